package models

// HistoryEntry is one prior turn of the chat as the client remembers it.
type HistoryEntry struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// IsAssistant reports whether the entry was produced by the coach.
func (h HistoryEntry) IsAssistant() bool {
	return h.Role == "assistant"
}

type ChatRequest struct {
	Message string         `json:"message"`
	History []HistoryEntry `json:"history,omitempty"`
	UserID  string         `json:"userId,omitempty"`
}

type ChatResponse struct {
	Reply        string              `json:"reply"`
	Sources      []KnowledgeDocument `json:"sources"`
	Transactions []Transaction       `json:"transactions,omitempty"`
	UserID       string              `json:"userId,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
