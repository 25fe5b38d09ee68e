// Package prompt assembles the single grounded prompt sent to the model.
package prompt

import (
	"fmt"
	"strings"

	"github.com/RichardoC/legend-coach/internal/models"
)

const (
	MaxHistory = 8

	SystemInstruction = "You are Legend's on-call AI money coach. Combine the provided knowledge base passages with prior chat context to give clear, affirmative, and actionable financial guidance. Reference applicable snippets from the knowledge base when useful, and ask clarifying questions when information is missing. Format insights as short paragraphs or bullet lists and keep the tone supportive."

	NoKnowledgeNote = "No knowledge base context was retrieved. Focus on general coaching best practices."

	ClosingInstruction = "Respond with concise, compassionate financial coaching guidance. Reference specific sources when applicable."

	LedgerHeader = "date,type,category,amount,description"

	sourceSeparator = "\n---\n"
)

type Input struct {
	Message      string
	History      []models.HistoryEntry
	Documents    []models.KnowledgeDocument
	Transactions []models.Transaction
	UserID       string
}

// Build joins the non-empty sections with blank lines in a fixed order:
// system instruction, identity, knowledge, ledger, history, question, closing.
func Build(in Input) string {
	sections := []string{
		SystemInstruction,
		identityNote(in.UserID),
		knowledgeBlock(in.Documents),
		ledgerBlock(in.Transactions),
		historyBlock(in.History),
		"User question: " + in.Message,
		ClosingInstruction,
	}

	kept := sections[:0]
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}

func identityNote(userID string) string {
	if userID == "" {
		return ""
	}
	return fmt.Sprintf("The authenticated user id is %s.", userID)
}

func knowledgeBlock(docs []models.KnowledgeDocument) string {
	if len(docs) == 0 {
		return NoKnowledgeNote
	}
	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = fmt.Sprintf("Source %d (%s):\n%s", i+1, d.DisplayTitle(), d.Content)
	}
	return "Knowledge base passages:\n" + strings.Join(passages, sourceSeparator)
}

func ledgerBlock(txs []models.Transaction) string {
	if len(txs) == 0 {
		return ""
	}
	return "Recent transactions (most recent first):\n" + TransactionsCSV(txs)
}

// TransactionsCSV renders the ledger with every field quoted.
func TransactionsCSV(txs []models.Transaction) string {
	var sb strings.Builder
	sb.WriteString(LedgerHeader)
	for _, t := range txs {
		category := "Uncategorized"
		if t.Category != nil && strings.TrimSpace(*t.Category) != "" {
			category = *t.Category
		}
		description := ""
		if t.Description != nil {
			description = *t.Description
		}

		fields := []string{
			calendarDate(t.Date),
			t.Type,
			category,
			t.Amount.StringFixed(2),
			description,
		}
		sb.WriteByte('\n')
		for i, f := range fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(quote(f))
		}
	}
	return sb.String()
}

func historyBlock(history []models.HistoryEntry) string {
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, len(history))
	for i, h := range history {
		speaker := "User"
		if h.IsAssistant() {
			speaker = "Coach"
		}
		lines[i] = speaker + ": " + h.Content
	}
	return "Recent conversation history:\n" + strings.Join(lines, "\n")
}

// calendarDate drops any time component from an ISO date or timestamp.
func calendarDate(date string) string {
	if i := strings.IndexAny(date, "T "); i >= 0 {
		return date[:i]
	}
	return date
}

func quote(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
