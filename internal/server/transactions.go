package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultAdjustmentDescription = "Balance adjustment"

// parseLimit reads ?limit=, defaulting to 50 and clamping to [1, 100].
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return ledger.DefaultTransactionLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrBadRequest, "'limit' must be an integer")
	}
	return min(max(n, 1), ledger.MaxTransactionLimit), nil
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	target := q.Get("userId")
	if target == "" {
		target = id.UserID
	}
	if target != id.UserID {
		acc, err := s.ledger.GetAccount(r.Context(), target)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if acc == nil || !id.CanView(*acc) {
			s.writeError(w, r, apperr.Wrap(apperr.ErrForbidden, "you can only view your own or your children's transactions"))
			return
		}
	}

	page, err := s.ledger.ListTransactions(r.Context(), target, limit, q.Get("nextToken"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"transactions": newTransactionViews(page.Records),
		"count":        len(page.Records),
	}
	if page.NextToken != "" {
		body["nextToken"] = page.NextToken
	}
	writeJSON(w, http.StatusOK, body)
}

type adjustBalanceRequest struct {
	ChildID     string           `json:"childId"`
	Amount      *decimal.Decimal `json:"amount"`
	Description *string          `json:"description"`
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if err := requireParent(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req adjustBalanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case req.ChildID == "":
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "'childId' is required"))
		return
	case req.Amount == nil:
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "'amount' is required"))
		return
	case req.Amount.IsZero():
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "'amount' cannot be zero"))
		return
	case !ledger.IsCents(*req.Amount):
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "'amount' must have at most two decimal places"))
		return
	case !ledger.WithinLimit(*req.Amount):
		s.writeError(w, r, apperr.Wrap(apperr.ErrBadRequest, "'amount' cannot exceed %s", ledger.MaxAmount.StringFixed(2)))
		return
	}

	description := defaultAdjustmentDescription
	if req.Description != nil && strings.TrimSpace(*req.Description) != "" {
		description = strings.TrimSpace(*req.Description)
	}

	if _, err := s.ownChild(r, id, req.ChildID); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.ledger.AdjustBalance(r.Context(), ledger.AdjustRequest{
		UserID:      req.ChildID,
		Amount:      *req.Amount,
		Type:        models.TransactionAdjustment,
		Description: description,
		InitiatedBy: id.UserID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("balance adjusted",
		zap.String("child_id", req.ChildID),
		zap.String("parent_id", id.UserID),
		zap.String("balance_after", rec.BalanceAfter.StringFixed(2)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": newTransactionView(*rec),
		"message":     "Balance adjusted successfully",
	})
}
