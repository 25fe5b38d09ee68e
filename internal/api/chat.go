package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/RichardoC/legend-coach/internal/models"
	"github.com/RichardoC/legend-coach/internal/prompt"
	"go.uber.org/zap"
)

// Completer turns an assembled prompt into the coach's reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Answer runs one chat turn: resolve the caller, gather knowledge and recent
// transactions in parallel, build the prompt and ask the model.
func (h *Handler) Answer(ctx context.Context, authHeader string, req models.ChatRequest) (*models.ChatResponse, error) {
	identity := h.resolver.Resolve(ctx, authHeader, req.UserID)
	h.logger.Debug("resolved caller", zap.Stringer("identity", identity))

	var (
		docs    []models.KnowledgeDocument
		docsErr error
		txs     []models.Transaction
	)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer func() {
			if p := recover(); p != nil {
				docsErr = fmt.Errorf("knowledge retrieval panicked: %v", p)
			}
		}()
		docs, docsErr = h.knowledge.Retrieve(ctx, req.Message)
	}()

	go func() {
		defer wg.Done()
		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("transaction fetch panicked", zap.Any("panic", p))
				txs = []models.Transaction{}
			}
		}()
		txs = h.transactions.Recent(ctx, identity.UserID)
	}()

	wg.Wait()

	if docsErr != nil {
		return nil, docsErr
	}

	reply, err := h.llm.Complete(ctx, prompt.Build(prompt.Input{
		Message:      req.Message,
		History:      req.History,
		Documents:    docs,
		Transactions: txs,
		UserID:       identity.UserID,
	}))
	if err != nil {
		return nil, err
	}

	return &models.ChatResponse{
		Reply:        reply,
		Sources:      docs,
		Transactions: txs,
		UserID:       identity.UserID,
	}, nil
}
