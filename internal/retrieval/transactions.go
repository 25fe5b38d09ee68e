package retrieval

import (
	"context"

	"github.com/RichardoC/legend-coach/internal/models"
	"go.uber.org/zap"
)

// TransactionStore reads a user's ledger, newest first.
type TransactionStore interface {
	RecentTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
}

type Transactions struct {
	store  TransactionStore
	limit  int
	logger *zap.Logger
}

func NewTransactions(store TransactionStore, logger *zap.Logger) *Transactions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transactions{store: store, limit: MaxTransactions, logger: logger}
}

// Policy reports how Recent treats store errors.
func (t *Transactions) Policy() FailurePolicy { return SoftFail }

// Recent returns up to eight of the user's latest transactions. Anonymous
// callers and store errors both yield an empty ledger.
func (t *Transactions) Recent(ctx context.Context, userID string) []models.Transaction {
	if userID == "" {
		return []models.Transaction{}
	}

	txs, err := t.store.RecentTransactions(ctx, userID, t.limit)
	if err != nil {
		t.logger.Warn("failed to load recent transactions",
			zap.String("user_id", userID),
			zap.Error(err))
		return []models.Transaction{}
	}
	if txs == nil {
		return []models.Transaction{}
	}
	if len(txs) > t.limit {
		txs = txs[:t.limit]
	}
	return txs
}
