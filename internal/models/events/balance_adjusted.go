package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceAdjusted is emitted once a balance change and its transaction record
// have been committed.
type BalanceAdjusted struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	InitiatedBy   string          `json:"initiated_by"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
