package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/legend-coach/internal/auth"
	"github.com/RichardoC/legend-coach/internal/llm"
	"github.com/RichardoC/legend-coach/internal/models"
	"github.com/RichardoC/legend-coach/internal/prompt"
	"github.com/RichardoC/legend-coach/internal/retrieval"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func strPtr(s string) *string { return &s }

type fakeDocs struct {
	mu    sync.Mutex
	docs  []models.KnowledgeDocument
	err   error
	calls int
	wait  func() error
}

func (f *fakeDocs) record() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeDocs) Search(ctx context.Context, term string, limit int) ([]models.KnowledgeDocument, error) {
	f.record()
	if f.wait != nil {
		if err := f.wait(); err != nil {
			return nil, err
		}
	}
	return f.docs, f.err
}

func (f *fakeDocs) List(ctx context.Context, limit int) ([]models.KnowledgeDocument, error) {
	f.record()
	return f.docs, f.err
}

type fakeLedger struct {
	byUser map[string][]models.Transaction
	err    error
	calls  int
	wait   func() error
}

func (f *fakeLedger) RecentTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	f.calls++
	if f.wait != nil {
		if err := f.wait(); err != nil {
			return nil, err
		}
	}
	return f.byUser[userID], f.err
}

type fakeCompleter struct {
	reply   string
	err     error
	panics  bool
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, p string) (string, error) {
	if f.panics {
		panic("nil map write")
	}
	f.prompts = append(f.prompts, p)
	return f.reply, f.err
}

type fixture struct {
	docs    *fakeDocs
	ledger  *fakeLedger
	llm     Completer
	handler http.Handler
}

func newFixture(t *testing.T, docs *fakeDocs, ledger *fakeLedger, completer Completer) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	verifier := auth.VerifierFunc(func(ctx context.Context, token string) (string, error) {
		if token == "jwt-u1" {
			return "u1", nil
		}
		return "", errors.New("invalid JWT")
	})
	h := NewHandler(
		auth.NewResolver(verifier, auth.Options{AnonKey: "anon-key", TrustAsserted: true}, logger),
		retrieval.NewKnowledge(docs, logger),
		retrieval.NewTransactions(ledger, logger),
		completer,
		logger,
	)
	return &fixture{docs: docs, ledger: ledger, llm: completer, handler: h.Routes()}
}

func (f *fixture) do(t *testing.T, method, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/functions/v1/rag-chat", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "authorization, x-client-info, apikey, content-type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "POST,OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func knowledgeDocs() []models.KnowledgeDocument {
	return []models.KnowledgeDocument{
		{ID: "d1", Title: strPtr("Food budgets"), Content: "Cap dining out at 10% of income.", Tags: []string{"food"}},
	}
}

func TestHandleChat_AnonymousQuestion(t *testing.T) {
	completer := &fakeCompleter{reply: "Track your grocery receipts."}
	f := newFixture(t, &fakeDocs{docs: knowledgeDocs()}, &fakeLedger{}, completer)

	rec := f.do(t, http.MethodPost, `{"message":"How much did I spend on food?","history":[]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assertCORS(t, rec)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeBody[models.ChatResponse](t, rec)
	assert.Equal(t, "Track your grocery receipts.", resp.Reply)
	assert.Equal(t, knowledgeDocs(), resp.Sources)
	assert.Empty(t, resp.Transactions)
	assert.Empty(t, resp.UserID)
	assert.NotContains(t, rec.Body.String(), `"transactions"`)

	assert.Zero(t, f.ledger.calls, "anonymous callers must not hit the ledger")
	require.Len(t, completer.prompts, 1)
	assert.NotContains(t, completer.prompts[0], "authenticated user id")
	assert.NotContains(t, completer.prompts[0], prompt.LedgerHeader)
	assert.Contains(t, completer.prompts[0], "Source 1 (Food budgets):")
	assert.Contains(t, completer.prompts[0], "User question: How much did I spend on food?")
}

func TestHandleChat_AnonKeyTokenIsAnonymous(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{}, &fakeCompleter{reply: "hi"})

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, map[string]string{"Authorization": "Bearer anon-key"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[models.ChatResponse](t, rec).UserID)
	assert.Zero(t, f.ledger.calls)
}

func TestHandleChat_MessageRequired(t *testing.T) {
	for _, body := range []string{
		`{"message":""}`,
		`{"message":"   "}`,
		`{}`,
		`{"message":42}`,
		`null`,
		`["message"]`,
	} {
		t.Run(body, func(t *testing.T) {
			completer := &fakeCompleter{}
			f := newFixture(t, &fakeDocs{}, &fakeLedger{}, completer)

			rec := f.do(t, http.MethodPost, body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assertCORS(t, rec)
			assert.Equal(t, models.ErrorResponse{Error: "Message is required."}, decodeBody[models.ErrorResponse](t, rec))
			assert.Zero(t, f.docs.calls)
			assert.Zero(t, f.ledger.calls)
			assert.Empty(t, completer.prompts)
		})
	}
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		f := newFixture(t, &fakeDocs{}, &fakeLedger{}, &fakeCompleter{})

		rec := f.do(t, method, `not even json`, nil)

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, "Method not allowed", strings.TrimSpace(rec.Body.String()))
		assertCORS(t, rec)
		assert.Zero(t, f.docs.calls)
	}
}

func TestHandleChat_Preflight(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{}, &fakeCompleter{})

	rec := f.do(t, http.MethodOptions, "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assertCORS(t, rec)
	assert.Zero(t, f.docs.calls)
}

func TestHandleChat_UnparseableBodyIsBadRequest(t *testing.T) {
	for name, body := range map[string]string{
		"truncated": `{"message":`,
		"empty":     ``,
		"not json":  `not json`,
	} {
		t.Run(name, func(t *testing.T) {
			completer := &fakeCompleter{}
			f := newFixture(t, &fakeDocs{}, &fakeLedger{}, completer)

			rec := f.do(t, http.MethodPost, body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assertCORS(t, rec)
			assert.Equal(t, models.ErrorResponse{Error: "Message is required."}, decodeBody[models.ErrorResponse](t, rec))
			assert.Zero(t, f.docs.calls)
			assert.Empty(t, completer.prompts)
		})
	}
}

func TestHandleChat_AuthenticatedUserGetsLedger(t *testing.T) {
	txs := []models.Transaction{
		{ID: "t3", Date: "2024-05-03T10:00:00Z", Amount: decimal.RequireFromString("42.5"), Type: "expense", Category: strPtr("Food"), Description: strPtr(`Pizza "large"`)},
		{ID: "t2", Date: "2024-05-02", Amount: decimal.NewFromInt(1500), Type: "income"},
		{ID: "t1", Date: "2024-05-01", Amount: decimal.RequireFromString("9.99"), Type: "expense", Category: strPtr("Transport")},
	}
	completer := &fakeCompleter{reply: "You spent 42.50 on food."}
	f := newFixture(t, &fakeDocs{docs: knowledgeDocs()}, &fakeLedger{byUser: map[string][]models.Transaction{"u1": txs}}, completer)

	rec := f.do(t, http.MethodPost, `{"message":"food spend?"}`, map[string]string{"Authorization": "bearer jwt-u1"})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[models.ChatResponse](t, rec)
	assert.Equal(t, "u1", resp.UserID)
	require.Len(t, resp.Transactions, 3)
	assert.Equal(t, []models.ID{"t3", "t2", "t1"}, []models.ID{resp.Transactions[0].ID, resp.Transactions[1].ID, resp.Transactions[2].ID})

	require.Len(t, completer.prompts, 1)
	p := completer.prompts[0]
	assert.Contains(t, p, "The authenticated user id is u1.")
	assert.Contains(t, p, prompt.LedgerHeader+"\n"+
		`"2024-05-03","expense","Food","42.50","Pizza ""large"""`+"\n"+
		`"2024-05-02","income","Uncategorized","1500.00",""`+"\n"+
		`"2024-05-01","expense","Transport","9.99",""`)
}

func TestHandleChat_InvalidTokenDegradesToAnonymous(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{byUser: map[string][]models.Transaction{"u1": {{ID: "t"}}}}, &fakeCompleter{reply: "ok"})

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, map[string]string{"Authorization": "Bearer forged"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[models.ChatResponse](t, rec).UserID)
	assert.Zero(t, f.ledger.calls)
}

func TestHandleChat_AssertedUserID(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{byUser: map[string][]models.Transaction{"u9": {{ID: "t", Date: "2024-01-01", Type: "expense"}}}}, &fakeCompleter{reply: "ok"})

	rec := f.do(t, http.MethodPost, `{"message":"hi","userId":"u9"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[models.ChatResponse](t, rec)
	assert.Equal(t, "u9", resp.UserID)
	assert.Len(t, resp.Transactions, 1)
}

func TestHandleChat_LedgerFailureIsSoft(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{err: errors.New("permission denied")}, &fakeCompleter{reply: "still here"})

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, map[string]string{"Authorization": "Bearer jwt-u1"})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[models.ChatResponse](t, rec)
	assert.Equal(t, "still here", resp.Reply)
	assert.Equal(t, "u1", resp.UserID)
	assert.Empty(t, resp.Transactions)
}

func TestHandleChat_RetrievalFailureIsFatal(t *testing.T) {
	completer := &fakeCompleter{}
	f := newFixture(t, &fakeDocs{err: errors.New("relation rag_documents does not exist")}, &fakeLedger{}, completer)

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assertCORS(t, rec)
	assert.Contains(t, decodeBody[models.ErrorResponse](t, rec).Error, "rag_documents does not exist")
	assert.Empty(t, completer.prompts)
}

func TestHandleChat_HistoryWindowAndLenientShape(t *testing.T) {
	completer := &fakeCompleter{reply: "ok"}
	f := newFixture(t, &fakeDocs{}, &fakeLedger{}, completer)

	var history []string
	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, `{"role":"`+role+`","content":"turn `+string(rune('a'+i))+`"}`)
	}
	body := `{"message":"next","history":[` + strings.Join(history, ",") + `]}`

	rec := f.do(t, http.MethodPost, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := completer.prompts[0]
	assert.NotContains(t, p, "turn d")
	assert.Contains(t, p, "User: turn e")
	assert.Contains(t, p, "Coach: turn l")

	rec = f.do(t, http.MethodPost, `{"message":"next","history":"not a list"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, completer.prompts[1], "Recent conversation history")
}

func TestHandleChat_CompleterPanicIsGeneric500(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{}, &fakeCompleter{panics: true})

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assertCORS(t, rec)
	assert.Equal(t, "Unexpected error generating response.", decodeBody[models.ErrorResponse](t, rec).Error)
}

func TestHandleChat_ReadsRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	rendezvous := func() error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("reads were not issued concurrently")
		}
	}

	f := newFixture(t,
		&fakeDocs{docs: knowledgeDocs(), wait: rendezvous},
		&fakeLedger{byUser: map[string][]models.Transaction{}, wait: rendezvous},
		&fakeCompleter{reply: "ok"})

	rec := f.do(t, http.MethodPost, `{"message":"food"}`, map[string]string{"Authorization": "Bearer jwt-u1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func geminiCompleter(t *testing.T, status int, body string) Completer {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return llm.NewWithModel(llm.NewGeminiModel(llm.GeminiConfig{APIKey: "k", BaseURL: server.URL}), zaptest.NewLogger(t))
}

func TestHandleChat_ProviderUnavailable(t *testing.T) {
	completer := geminiCompleter(t, http.StatusServiceUnavailable, `{"error":{"code":503,"message":"The model is overloaded."}}`)
	f := newFixture(t, &fakeDocs{docs: knowledgeDocs()}, &fakeLedger{}, completer)

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody[models.ErrorResponse](t, rec).Error, "The model is overloaded.")
}

func TestHandleChat_ProviderWithoutCandidates(t *testing.T) {
	completer := geminiCompleter(t, http.StatusOK, `{"candidates":[]}`)
	f := newFixture(t, &fakeDocs{docs: knowledgeDocs()}, &fakeLedger{}, completer)

	rec := f.do(t, http.MethodPost, `{"message":"hi"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, llm.FallbackReply, decodeBody[models.ChatResponse](t, rec).Reply)
}

func TestRoutes_HealthAndRequestID(t *testing.T) {
	f := newFixture(t, &fakeDocs{}, &fakeLedger{}, &fakeCompleter{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
}

func TestWriteJSON_LogsEncodeFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := NewHandler(nil, nil, nil, nil, zap.New(core))
	rec := httptest.NewRecorder()

	h.writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("Failed to encode response").Len())
}

func TestStatusRecorder_TracksWrites(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	assert.False(t, rec.wroteHeader)

	_, err := rec.Write([]byte("partial"))

	require.NoError(t, err)
	assert.True(t, rec.wroteHeader)
	assert.Equal(t, http.StatusOK, rec.status)
}

func TestRecoverChat_LeavesStartedResponseAlone(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, zaptest.NewLogger(t))
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}

	func() {
		defer h.recoverChat(rec, zaptest.NewLogger(t))
		rec.WriteHeader(http.StatusOK)
		rec.Write([]byte(`{"reply":`))
		panic("boom")
	}()

	assert.Equal(t, http.StatusOK, inner.Code)
	assert.Equal(t, `{"reply":`, inner.Body.String())
}

func TestRecoverChat_WritesGeneric500(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, zaptest.NewLogger(t))
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}

	func() {
		defer h.recoverChat(rec, zaptest.NewLogger(t))
		panic("boom")
	}()

	assert.Equal(t, http.StatusInternalServerError, inner.Code)
	assert.Equal(t, "Unexpected error generating response.", decodeBody[models.ErrorResponse](t, inner).Error)
}
