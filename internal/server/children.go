package server

import (
	"net/http"
	"strings"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/auth"
	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const recentTransactions = 10

func requireParent(id auth.Identity) error {
	if !id.CanManageChildren() {
		return apperr.Wrap(apperr.ErrForbidden, "only parents can manage child accounts")
	}
	return nil
}

type createChildRequest struct {
	Name           string           `json:"name"`
	Email          string           `json:"email"`
	InitialBalance *decimal.Decimal `json:"initialBalance"`
	InterestRate   *decimal.Decimal `json:"interestRate"`
}

func (s *Server) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := requireParent(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createChildRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" {
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "both 'name' and 'email' are required"))
		return
	}
	if b := req.InitialBalance; b != nil && (b.IsNegative() || !ledger.IsCents(*b) || !ledger.WithinLimit(*b)) {
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest,
			"'initialBalance' must be a non-negative amount in cents, at most %s", ledger.MaxAmount.StringFixed(2)))
		return
	}
	if req.InterestRate != nil && !ledger.ValidRate(*req.InterestRate) {
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest,
			"'interestRate' must be between 0 and 1 with at most %d decimal places", ledger.RateScale))
		return
	}

	ctx := r.Context()
	provisioned, err := s.directory.Provision(ctx, req.Email, req.Name, auth.GroupChildren)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	child, err := s.ledger.CreateAccount(ctx, ledger.NewAccount{
		UserID:       provisioned.UserID,
		Email:        req.Email,
		Name:         req.Name,
		Role:         models.RoleChild,
		ParentID:     id.UserID,
		Balance:      req.InitialBalance,
		InterestRate: req.InterestRate,
	})
	if err != nil {
		if cleanupErr := s.directory.Remove(ctx, req.Email); cleanupErr != nil {
			s.logger.Error("failed to clean up directory user", zap.String("email", req.Email), zap.Error(cleanupErr))
		} else {
			s.logger.Warn("cleaned up directory user after ledger failure", zap.String("email", req.Email))
		}
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"child":             newAccountView(*child),
		"temporaryPassword": provisioned.TemporaryPassword,
		"message":           "Child account created successfully. Please share the temporary password securely.",
	})
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := requireParent(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	children, err := s.ledger.ListChildren(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"children": newAccountViews(children),
		"count":    len(children),
	})
}

func (s *Server) handleChildSummary(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := requireParent(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	childID := mux.Vars(r)["childId"]
	child, err := s.ownChild(r, id, childID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.ledger.ListTransactions(r.Context(), childID, recentTransactions, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"child":              newAccountView(*child),
		"recentTransactions": newTransactionViews(page.Records),
	})
}

// ownChild loads childID and checks that it belongs to the caller.
func (s *Server) ownChild(r *http.Request, id auth.Identity, childID string) (*models.Account, error) {
	child, err := s.ledger.GetAccount(r.Context(), childID)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, apperr.Wrap(apperr.ErrNotFound, "child %s not found", childID)
	}
	if !id.IsParentOf(*child) {
		return nil, apperr.Wrap(apperr.ErrForbidden, "you can only access your own children")
	}
	return child, nil
}
