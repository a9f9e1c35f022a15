package interfaces

import (
	"context"
	"time"

	"github.com/Underflow0/kid-bank/internal/keys"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
)

// AccountPage is one page of an index query or table scan. LastKey is nil
// when the scan is exhausted.
type AccountPage struct {
	Accounts []models.Account
	LastKey  *keys.Key
}

// TransactionPage is one page of an account's history, newest first.
type TransactionPage struct {
	Records []models.TransactionRecord
	LastKey *keys.Key
}

// ProfileChanges lists the mutable profile fields; nil fields are left alone.
type ProfileChanges struct {
	Name         *string
	InterestRate *decimal.Decimal
}

// LedgerStore is the table engine behind the ledger. Implementations must keep
// the profile row, the parent index and the role index in step, and must apply
// ApplyAdjustment as a single all-or-nothing write.
//
// Failed write conditions are reported as apperr.ErrConflict and missing rows
// as apperr.ErrNotFound. Anything else is an infrastructure failure.
type LedgerStore interface {
	// GetAccount returns (nil, nil) when no profile row exists.
	GetAccount(ctx context.Context, userID string) (*models.Account, error)

	// PutAccount writes a new profile row, failing with ErrConflict if one exists.
	PutAccount(ctx context.Context, account models.Account) error

	// UpdateProfile applies changes and returns the row after the update.
	UpdateProfile(ctx context.Context, userID string, changes ProfileChanges, now time.Time) (*models.Account, error)

	// QueryParentIndex returns every child whose parent index key matches.
	QueryParentIndex(ctx context.Context, parentID string) ([]models.Account, error)

	// QueryRoleIndex returns one page of the role index starting after startKey.
	QueryRoleIndex(ctx context.Context, role models.Role, startKey *keys.Key) (AccountPage, error)

	// ScanProfiles walks the whole table, keeping only profile rows of role.
	ScanProfiles(ctx context.Context, role models.Role, startKey *keys.Key) (AccountPage, error)

	// QueryTransactions returns at most limit records in descending sort key
	// order, starting strictly after startKey.
	QueryTransactions(ctx context.Context, userID string, limit int, startKey *keys.Key) (TransactionPage, error)

	// ApplyAdjustment sets the balance to record.BalanceAfter only if it still
	// equals expected, and inserts record, atomically.
	ApplyAdjustment(ctx context.Context, expected decimal.Decimal, record models.TransactionRecord) error
}
