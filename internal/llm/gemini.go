package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// FallbackReply stands in for a successful response that carried no text.
const FallbackReply = "I was unable to generate a response just now."

var ErrMissingAPIKey = errors.New("missing model provider API key")

var _ llms.Model = (*GeminiModel)(nil)

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration // zero means no transport timeout
}

// GeminiModel talks to the generateContent REST endpoint.
type GeminiModel struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
}

func NewGeminiModel(cfg GeminiConfig) *GeminiModel {
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash-latest"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiModel{
		client:  &http.Client{Timeout: cfg.Timeout},
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type geminiRequest struct {
	Contents         []geminiContent   `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content"`
	FinishReason string         `json:"finishReason"`
}

type replyOutcome int

const (
	outcomeText replyOutcome = iota
	outcomeNoCandidates
	outcomeNoParts
)

// replyFrom joins the text parts of the first candidate. Responses without a
// candidate or without parts are reported rather than treated as errors.
func (r geminiResponse) replyFrom() (string, replyOutcome) {
	if len(r.Candidates) == 0 {
		return "", outcomeNoCandidates
	}
	c := r.Candidates[0]
	if c.Content == nil || len(c.Content.Parts) == 0 {
		return "", outcomeNoParts
	}
	texts := make([]string, len(c.Content.Parts))
	for i, p := range c.Content.Parts {
		texts[i] = p.Text
	}
	return strings.TrimSpace(strings.Join(texts, "\n")), outcomeText
}

// GenerateContent implements llms.Model.
func (m *GeminiModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	model := m.model
	if opts.Model != "" {
		model = opts.Model
	}

	reqBody := geminiRequest{Contents: toGeminiContents(messages)}
	if opts.Temperature != 0 || opts.MaxTokens != 0 || len(opts.StopWords) > 0 {
		gc := &generationConfig{MaxOutputTokens: opts.MaxTokens, StopSequences: opts.StopWords}
		if opts.Temperature != 0 {
			temp := opts.Temperature
			gc.Temperature = &temp
		}
		reqBody.GenerationConfig = gc
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", m.baseURL, model, url.QueryEscape(m.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gemini: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading gemini response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gemini request failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}

	reply, outcome := parsed.replyFrom()
	if outcome != outcomeText {
		reply = FallbackReply
	}

	choice := &llms.ContentChoice{Content: reply}
	if len(parsed.Candidates) > 0 {
		choice.StopReason = parsed.Candidates[0].FinishReason
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}

// Call implements the single-prompt form of llms.Model.
func (m *GeminiModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func toGeminiContents(messages []llms.MessageContent) []geminiContent {
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == schema.ChatMessageTypeAI {
			role = "model"
		}
		var parts []geminiPart
		for _, p := range msg.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				parts = append(parts, geminiPart{Text: tc.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}
	return contents
}
