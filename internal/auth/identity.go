// Package auth verifies identity-provider ID tokens and turns them into an
// Identity with explicit capability checks.
package auth

import (
	"context"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/models"
)

const (
	GroupParents  = "Parents"
	GroupChildren = "Children"
)

// Identity is the verified caller.
type Identity struct {
	UserID string
	Email  string
	Role   models.Role
}

// RoleFromGroups maps group memberships to a Role. Parents wins when a token
// carries both groups.
func RoleFromGroups(groups []string) (models.Role, error) {
	var parent, child bool
	for _, g := range groups {
		switch g {
		case GroupParents:
			parent = true
		case GroupChildren:
			child = true
		}
	}
	switch {
	case parent:
		return models.RoleParent, nil
	case child:
		return models.RoleChild, nil
	default:
		return 0, apperr.Wrap(apperr.ErrUnauthorized, "token carries no known group")
	}
}

// CanManageChildren reports whether the caller may create, list and adjust
// child accounts.
func (i Identity) CanManageChildren() bool {
	switch i.Role {
	case models.RoleParent:
		return true
	case models.RoleChild:
		return false
	}
	return false
}

// CanSetInterestRate reports whether the caller may change rates at all.
func (i Identity) CanSetInterestRate() bool {
	switch i.Role {
	case models.RoleParent:
		return true
	case models.RoleChild:
		return false
	}
	return false
}

// Owns reports whether acc is the caller's own account.
func (i Identity) Owns(acc models.Account) bool {
	return acc.UserID == i.UserID
}

// IsParentOf reports whether acc is a child of the caller.
func (i Identity) IsParentOf(acc models.Account) bool {
	return i.CanManageChildren() && acc.IsChildOf(i.UserID)
}

// CanView reports whether the caller may read acc and its history.
func (i Identity) CanView(acc models.Account) bool {
	return i.Owns(acc) || i.IsParentOf(acc)
}

type contextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
