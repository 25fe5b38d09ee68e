// Package retrieval gathers the grounding context for a chat turn: knowledge
// base passages and the caller's recent transactions.
//
// The two reads follow different failure policies. Knowledge retrieval is
// HardFail: without it the coach has nothing to ground on, so store errors
// are returned. Transactions are SoftFail: errors are logged and replaced by
// an empty ledger.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/RichardoC/legend-coach/internal/models"
	"go.uber.org/zap"
)

type FailurePolicy int

const (
	HardFail FailurePolicy = iota
	SoftFail
)

const (
	MaxDocuments    = 5
	MaxQueryRunes   = 512
	MaxTransactions = 8
)

// DocumentStore is the knowledge base. Search matches term as a
// case-insensitive substring of the title or the content.
type DocumentStore interface {
	Search(ctx context.Context, term string, limit int) ([]models.KnowledgeDocument, error)
	List(ctx context.Context, limit int) ([]models.KnowledgeDocument, error)
}

type Knowledge struct {
	store  DocumentStore
	limit  int
	logger *zap.Logger
}

func NewKnowledge(store DocumentStore, logger *zap.Logger) *Knowledge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Knowledge{store: store, limit: MaxDocuments, logger: logger}
}

// Policy reports how Retrieve treats store errors.
func (k *Knowledge) Policy() FailurePolicy { return HardFail }

// Retrieve returns up to five documents for query. When the keyword search
// finds nothing it falls back to an unfiltered sample. The result is never nil.
func (k *Knowledge) Retrieve(ctx context.Context, query string) ([]models.KnowledgeDocument, error) {
	term := SanitizeQuery(query)

	if strings.TrimSpace(term) != "" {
		docs, err := k.store.Search(ctx, term, k.limit)
		if err != nil {
			k.logger.Error("failed to search knowledge base", zap.Error(err))
			return nil, fmt.Errorf("failed to search knowledge base: %w", err)
		}
		if len(docs) > 0 {
			return capDocuments(docs, k.limit), nil
		}
	}

	docs, err := k.store.List(ctx, k.limit)
	if err != nil {
		k.logger.Error("failed to load fallback knowledge", zap.Error(err))
		return nil, fmt.Errorf("failed to load fallback knowledge: %w", err)
	}
	k.logger.Debug("keyword search found nothing, using fallback documents", zap.Int("count", len(docs)))
	if docs == nil {
		docs = []models.KnowledgeDocument{}
	}
	return capDocuments(docs, k.limit), nil
}

// SanitizeQuery replaces LIKE wildcards with spaces and caps the query length
// so user text cannot widen or slow down the pattern match.
func SanitizeQuery(query string) string {
	query = strings.Map(func(r rune) rune {
		if r == '%' || r == '_' {
			return ' '
		}
		return r
	}, query)
	if runes := []rune(query); len(runes) > MaxQueryRunes {
		query = string(runes[:MaxQueryRunes])
	}
	return query
}

func capDocuments(docs []models.KnowledgeDocument, limit int) []models.KnowledgeDocument {
	if len(docs) > limit {
		return docs[:limit]
	}
	return docs
}
