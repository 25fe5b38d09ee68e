// Package supabase reads the hosted datastore through its REST (PostgREST)
// and auth endpoints. It implements the knowledge, ledger and identity
// lookups the chat handler needs.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RichardoC/legend-coach/internal/models"
)

var ErrNotConfigured = errors.New("supabase: missing URL or service key")

const (
	documentColumns    = "id,title,content,tags"
	transactionColumns = "id,date,amount,type,category,description"
	defaultTimeout     = 30 * time.Second
)

type Config struct {
	URL        string
	ServiceKey string
	// AnonKey is sent as the apikey header when verifying user tokens. The
	// service key is used when it is empty.
	AnonKey string
	Timeout time.Duration
}

type Client struct {
	http       *http.Client
	baseURL    string
	serviceKey string
	anonKey    string
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		anonKey:    cfg.AnonKey,
	}
}

// APIError is a non-2xx answer from Supabase.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase returned status %d: %s", e.Status, e.Body)
}

// Search matches term against title or content with ilike.
func (c *Client) Search(ctx context.Context, term string, limit int) ([]models.KnowledgeDocument, error) {
	pattern := quoteFilterValue("*" + term + "*")
	q := url.Values{}
	q.Set("select", documentColumns)
	q.Set("or", fmt.Sprintf("(title.ilike.%s,content.ilike.%s)", pattern, pattern))
	q.Set("limit", strconv.Itoa(limit))

	var docs []models.KnowledgeDocument
	if err := c.rest(ctx, "rag_documents", q, &docs); err != nil {
		return nil, fmt.Errorf("failed to load rag_documents: %w", err)
	}
	return nonNil(docs), nil
}

// List returns up to limit documents without filtering.
func (c *Client) List(ctx context.Context, limit int) ([]models.KnowledgeDocument, error) {
	q := url.Values{}
	q.Set("select", documentColumns)
	q.Set("limit", strconv.Itoa(limit))

	var docs []models.KnowledgeDocument
	if err := c.rest(ctx, "rag_documents", q, &docs); err != nil {
		return nil, fmt.Errorf("failed to load fallback rag_documents: %w", err)
	}
	return nonNil(docs), nil
}

// RecentTransactions returns the user's latest transactions, newest first.
func (c *Client) RecentTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	q := url.Values{}
	q.Set("select", transactionColumns)
	q.Set("user_id", "eq."+userID)
	q.Set("order", "date.desc")
	q.Set("limit", strconv.Itoa(limit))

	var txs []models.Transaction
	if err := c.rest(ctx, "transactions", q, &txs); err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

// Verify resolves a user's access token to their user id.
func (c *Client) Verify(ctx context.Context, token string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	apiKey := c.anonKey
	if apiKey == "" {
		apiKey = c.serviceKey
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	var user struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &user); err != nil {
		return "", fmt.Errorf("failed to verify token: %w", err)
	}
	if user.ID == "" {
		return "", errors.New("failed to verify token: response has no user id")
	}
	return user.ID, nil
}

func (c *Client) rest(ctx context.Context, table string, q url.Values, out any) error {
	if c.baseURL == "" || c.serviceKey == "" {
		return ErrNotConfigured
	}
	endpoint := c.baseURL + "/rest/v1/" + table + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling supabase: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// quoteFilterValue wraps a PostgREST filter value in double quotes so commas
// and parentheses in user text do not break the or=(...) expression.
func quoteFilterValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func nonNil(docs []models.KnowledgeDocument) []models.KnowledgeDocument {
	if docs == nil {
		return []models.KnowledgeDocument{}
	}
	return docs
}
