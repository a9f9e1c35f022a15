package server

import (
	"net/http"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/auth"
	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// caller returns the identity set by the auth middleware.
func caller(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := caller(r)

	acc, err := s.ledger.GetAccount(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if acc == nil {
		s.writeError(w, r, apperr.Wrap(apperr.ErrNotFound, "user profile not found for %s", id.UserID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": newAccountView(*acc)})
}

type updateUserRequest struct {
	UserID       string           `json:"userId"`
	Name         *string          `json:"name"`
	InterestRate *decimal.Decimal `json:"interestRate"`
}

// handleUpdateUser changes a name or rate. Callers may rename only
// themselves; rates are set by parents only, on themselves or their own
// children.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := caller(r)

	var req updateUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == nil && req.InterestRate == nil {
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "at least one of 'name' or 'interestRate' must be provided"))
		return
	}

	target := req.UserID
	if target == "" {
		target = id.UserID
	}

	if target != id.UserID {
		if !id.CanManageChildren() {
			s.writeError(w, r, apperr.Wrap(apperr.ErrForbidden, "only parents can update other users' profiles"))
			return
		}
		acc, err := s.ledger.GetAccount(r.Context(), target)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if acc == nil {
			s.writeError(w, r, apperr.Wrap(apperr.ErrNotFound, "user %s not found", target))
			return
		}
		if !id.IsParentOf(*acc) {
			s.writeError(w, r, apperr.Wrap(apperr.ErrForbidden, "you can only update your own children's profiles"))
			return
		}
		if req.Name != nil {
			s.writeError(w, r, apperr.Wrap(apperr.ErrForbidden, "only the account owner can change their name"))
			return
		}
	}

	if req.InterestRate != nil && !id.CanSetInterestRate() {
		s.writeError(w, r, apperr.Wrap(apperr.ErrForbidden, "only parents can set interest rate"))
		return
	}

	acc, err := s.ledger.UpdateProfile(r.Context(), target, ledger.ProfileUpdate{
		Name:         req.Name,
		InterestRate: req.InterestRate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("updated profile", zap.String("user_id", target), zap.String("by", id.UserID))
	writeJSON(w, http.StatusOK, map[string]any{"user": newAccountView(*acc)})
}
