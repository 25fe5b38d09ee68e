package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/RichardoC/legend-coach/internal/auth"
	"github.com/RichardoC/legend-coach/internal/models"
	"github.com/RichardoC/legend-coach/internal/retrieval"
	"go.uber.org/zap"
)

const (
	maxBodyBytes      = 1 << 20
	errMessageMissing = "Message is required."
	errUnexpected     = "Unexpected error generating response."
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	"Access-Control-Allow-Methods": "POST,OPTIONS",
}

type Handler struct {
	resolver     *auth.Resolver
	knowledge    *retrieval.Knowledge
	transactions *retrieval.Transactions
	llm          Completer
	logger       *zap.Logger
}

func NewHandler(resolver *auth.Resolver, knowledge *retrieval.Knowledge, transactions *retrieval.Transactions, llm Completer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver:     resolver,
		knowledge:    knowledge,
		transactions: transactions,
		llm:          llm,
		logger:       logger,
	}
}

// Routes mounts the chat endpoint on every path except /healthz.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/", h.HandleChat)
	return h.withRequestLogging(mux)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger := h.logger.With(zap.String("request_id", requestID(r.Context())))
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer h.recoverChat(rec, logger)

	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Debug("rejected chat request body", zap.Error(err))
	}
	if req.Message == "" {
		h.writeJSON(rec, http.StatusBadRequest, models.ErrorResponse{Error: errMessageMissing})
		return
	}

	resp, err := h.Answer(r.Context(), r.Header.Get("Authorization"), req)
	if err != nil {
		logger.Error("failed to answer chat message", zap.Error(err))
		h.writeJSON(rec, http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}

	logger.Debug("answered chat message",
		zap.Int("sources", len(resp.Sources)),
		zap.Int("transactions", len(resp.Transactions)),
		zap.Bool("authenticated", resp.UserID != ""))
	h.writeJSON(rec, http.StatusOK, resp)
}

// recoverChat turns a panic into the generic 500 unless a response has
// already been started.
func (h *Handler) recoverChat(w *statusRecorder, logger *zap.Logger) {
	p := recover()
	if p == nil {
		return
	}
	logger.Error("chat handler panicked", zap.Any("panic", p), zap.Stack("stack"))
	if w.wroteHeader {
		return
	}
	h.writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: errUnexpected})
}

// chatPayload mirrors ChatRequest loosely so that fields of the wrong JSON
// type are ignored instead of failing the request.
type chatPayload struct {
	Message json.RawMessage `json:"message"`
	History json.RawMessage `json:"history"`
	UserID  json.RawMessage `json:"userId"`
}

// decodeChatRequest returns an error only for bodies that are not JSON at all;
// the request is then empty. The message is trimmed.
func decodeChatRequest(body io.Reader) (models.ChatRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return models.ChatRequest{}, fmt.Errorf("invalid request body: %w", err)
	}

	var payload chatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Valid JSON of the wrong shape carries no message.
		return models.ChatRequest{}, nil
	}

	var req models.ChatRequest
	var message string
	if json.Unmarshal(payload.Message, &message) == nil {
		req.Message = strings.TrimSpace(message)
	}
	var userID string
	if json.Unmarshal(payload.UserID, &userID) == nil {
		req.UserID = userID
	}
	// A history that is not an array is dropped rather than failing the turn.
	var history []json.RawMessage
	_ = json.Unmarshal(payload.History, &history)
	for _, item := range history {
		var entry models.HistoryEntry
		if json.Unmarshal(item, &entry) == nil {
			req.History = append(req.History, entry)
		}
	}
	return req, nil
}

func setCORSHeaders(w http.ResponseWriter) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
