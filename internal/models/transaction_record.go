package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType tells why a balance changed.
type TransactionType string

const (
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionInterest   TransactionType = "interest"
	TransactionAdjustment TransactionType = "adjustment"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdrawal, TransactionInterest, TransactionAdjustment:
		return true
	}
	return false
}

// SystemPrincipal is the initiator recorded for adjustments made by batch jobs.
const SystemPrincipal = "SYSTEM"

// TransactionRecord is an immutable entry written together with the balance
// change it describes.
type TransactionRecord struct {
	TransactionID string
	UserID        string          // owner account
	Amount        decimal.Decimal // positive credit, negative debit
	Type          TransactionType
	Description   string
	BalanceAfter  decimal.Decimal // balance right after this record was applied
	InitiatedBy   string
	Timestamp     time.Time
}
