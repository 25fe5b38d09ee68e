package models

import "github.com/shopspring/decimal"

// KnowledgeDocument is a coaching snippet from the rag_documents table.
type KnowledgeDocument struct {
	ID      ID       `json:"id"`
	Title   *string  `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// DisplayTitle returns the title, or "Untitled" when the document has none.
func (d KnowledgeDocument) DisplayTitle() string {
	if d.Title == nil || *d.Title == "" {
		return "Untitled"
	}
	return *d.Title
}

const (
	TransactionIncome  = "income"
	TransactionExpense = "expense"
)

// Transaction is the read-only view of a ledger row used for coaching.
type Transaction struct {
	ID          ID              `json:"id"`
	Date        string          `json:"date"` // ISO date, may carry a time component
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"` // income or expense
	Category    *string         `json:"category"`
	Description *string         `json:"description"`
}
