package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the profile row of a single user together with its balance.
// Balance and InterestRate are exact decimals; Balance never goes negative.
type Account struct {
	UserID       string
	Email        string
	Name         string
	Role         Role
	Balance      decimal.Decimal // two-digit cents precision
	InterestRate decimal.Decimal // fraction, 0.05 == 5%
	ParentID     string          // set only for RoleChild
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsChildOf reports whether the account is a child owned by parentID.
func (a Account) IsChildOf(parentID string) bool {
	return a.Role == RoleChild && a.ParentID != "" && a.ParentID == parentID
}
