// Package db is the SQL-backed knowledge base and ledger. It speaks SQLite
// (mattn/go-sqlite3) for local development and Postgres (lib/pq) for a
// self-hosted database.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/RichardoC/legend-coach/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// sqliteDriver is go-sqlite3 with a Unicode-aware fold() function; SQLite's
// own lower() only folds ASCII.
const sqliteDriver = "sqlite3_fold"

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", strings.ToLower, true)
		},
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS rag_documents (
    id TEXT PRIMARY KEY,
    title TEXT,
    content TEXT NOT NULL,
    tags TEXT
);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    amount TEXT NOT NULL,
    type TEXT NOT NULL CHECK (type IN ('income', 'expense')),
    category TEXT,
    description TEXT
);

CREATE INDEX IF NOT EXISTS transactions_user_date ON transactions (user_id, date DESC);`

type Database struct {
	db     *sql.DB
	driver string
}

// New opens the database and makes sure the schema exists. driver is
// "sqlite3" or "postgres".
func New(driver, dsn string) (*Database, error) {
	if driver != "sqlite3" && driver != "postgres" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	name := driver
	if driver == "sqlite3" {
		name = sqliteDriver
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Database{db: db, driver: driver}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (db *Database) rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// lower names the SQL function that lowercases text the same way
// strings.ToLower does.
func (db *Database) lower() string {
	if db.driver == "postgres" {
		return "lower"
	}
	return "fold"
}

// Search matches term as a case-insensitive substring of title or content.
// The caller is expected to have stripped LIKE wildcards from term.
func (db *Database) Search(ctx context.Context, term string, limit int) ([]models.KnowledgeDocument, error) {
	pattern := "%" + strings.ToLower(term) + "%"
	return db.queryDocuments(ctx, fmt.Sprintf(`
        SELECT id, title, content, tags
        FROM rag_documents
        WHERE %[1]s(coalesce(title, '')) LIKE ? OR %[1]s(content) LIKE ?
        ORDER BY id
        LIMIT ?`, db.lower()), pattern, pattern, limit)
}

// List returns up to limit documents without filtering.
func (db *Database) List(ctx context.Context, limit int) ([]models.KnowledgeDocument, error) {
	return db.queryDocuments(ctx, `
        SELECT id, title, content, tags
        FROM rag_documents
        ORDER BY id
        LIMIT ?`, limit)
}

func (db *Database) queryDocuments(ctx context.Context, query string, args ...any) ([]models.KnowledgeDocument, error) {
	rows, err := db.db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rag_documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.KnowledgeDocument, 0)
	for rows.Next() {
		var (
			doc   models.KnowledgeDocument
			id    string
			title sql.NullString
			tags  sql.NullString
		)
		if err := rows.Scan(&id, &title, &doc.Content, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.ID = models.ID(id)
		if title.Valid {
			doc.Title = &title.String
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &doc.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode tags of document %s: %w", doc.ID, err)
			}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// RecentTransactions returns the user's latest transactions, newest first.
func (db *Database) RecentTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	rows, err := db.db.QueryContext(ctx, db.rebind(`
        SELECT id, date, amount, type, category, description
        FROM transactions
        WHERE user_id = ?
        ORDER BY date DESC
        LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0)
	for rows.Next() {
		var (
			tx          models.Transaction
			id          string
			amount      string
			category    sql.NullString
			description sql.NullString
		)
		if err := rows.Scan(&id, &tx.Date, &amount, &tx.Type, &category, &description); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = models.ID(id)
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount %q on transaction %s: %w", amount, tx.ID, err)
		}
		if category.Valid {
			tx.Category = &category.String
		}
		if description.Valid {
			tx.Description = &description.String
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveDocument inserts or replaces a knowledge document. An empty ID is
// filled with a new UUID.
func (db *Database) SaveDocument(ctx context.Context, doc *models.KnowledgeDocument) error {
	if doc.ID == "" {
		doc.ID = models.ID(uuid.NewString())
	}
	var tags any
	if doc.Tags != nil {
		b, err := json.Marshal(doc.Tags)
		if err != nil {
			return err
		}
		tags = string(b)
	}

	_, err := db.db.ExecContext(ctx, db.rebind(`
        INSERT INTO rag_documents (id, title, content, tags)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET title = excluded.title, content = excluded.content, tags = excluded.tags`),
		doc.ID.String(), doc.Title, doc.Content, tags)
	return err
}

// SaveTransaction inserts or replaces a transaction owned by userID.
func (db *Database) SaveTransaction(ctx context.Context, userID string, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = models.ID(uuid.NewString())
	}
	_, err := db.db.ExecContext(ctx, db.rebind(`
        INSERT INTO transactions (id, user_id, date, amount, type, category, description)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            user_id = excluded.user_id, date = excluded.date, amount = excluded.amount,
            type = excluded.type, category = excluded.category, description = excluded.description`),
		tx.ID.String(), userID, tx.Date, tx.Amount.String(), tx.Type, tx.Category, tx.Description)
	return err
}
