package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/RichardoC/legend-coach/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// Service sends an assembled prompt to the configured model as a single user
// turn. It is safe for concurrent use.
type Service struct {
	llm    llms.Model
	logger *zap.Logger
}

// New builds the provider selected by cfg.LLMProvider.
func New(cfg config.Config, logger *zap.Logger) (*Service, error) {
	var model llms.Model
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithModel(cfg.OpenAIModel),
			openai.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
		}
		token := cfg.OpenAIAPIKey
		if token == "" {
			// OpenAI-compatible local servers ignore the token but the client requires one.
			token = "unused"
		}
		opts = append(opts, openai.WithToken(token))
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI: %w", err)
		}
		model = llm
	default:
		model = NewGeminiModel(GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
			Timeout: cfg.LLMTimeout,
		})
	}
	return NewWithModel(model, logger), nil
}

func NewWithModel(model llms.Model, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{llm: model, logger: logger}
}

// Complete returns the model's reply to prompt. Provider errors are returned;
// a response without choices yields FallbackReply.
func (s *Service) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := s.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		s.logger.Warn("model returned no choices, using fallback reply")
		return FallbackReply, nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
