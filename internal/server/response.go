package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// statusFor maps an error kind to its response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrBadRequest), errors.Is(err, apperr.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()

	switch {
	case status == http.StatusInternalServerError:
		s.logger.Error("unexpected error", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal server error"
	case status == http.StatusServiceUnavailable:
		s.logger.Error("storage unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "service temporarily unavailable"
	default:
		s.logger.Warn("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// money renders an amount as a JSON number with exactly two decimals.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func rate(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

type accountView struct {
	UserID       string      `json:"userId"`
	Email        string      `json:"email"`
	Name         string      `json:"name"`
	Role         models.Role `json:"role"`
	Balance      json.Number `json:"balance"`
	InterestRate json.Number `json:"interestRate"`
	ParentID     *string     `json:"parentId"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func newAccountView(a models.Account) accountView {
	v := accountView{
		UserID:       a.UserID,
		Email:        a.Email,
		Name:         a.Name,
		Role:         a.Role,
		Balance:      money(a.Balance),
		InterestRate: rate(a.InterestRate),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if a.ParentID != "" {
		parent := a.ParentID
		v.ParentID = &parent
	}
	return v
}

func newAccountViews(accounts []models.Account) []accountView {
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, newAccountView(a))
	}
	return views
}

type transactionView struct {
	TransactionID string                 `json:"transactionId"`
	UserID        string                 `json:"userId"`
	Amount        json.Number            `json:"amount"`
	Type          models.TransactionType `json:"type"`
	Description   string                 `json:"description"`
	BalanceAfter  json.Number            `json:"balanceAfter"`
	InitiatedBy   string                 `json:"initiatedBy"`
	Timestamp     time.Time              `json:"timestamp"`
}

func newTransactionView(t models.TransactionRecord) transactionView {
	return transactionView{
		TransactionID: t.TransactionID,
		UserID:        t.UserID,
		Amount:        money(t.Amount),
		Type:          t.Type,
		Description:   t.Description,
		BalanceAfter:  money(t.BalanceAfter),
		InitiatedBy:   t.InitiatedBy,
		Timestamp:     t.Timestamp,
	}
}

func newTransactionViews(records []models.TransactionRecord) []transactionView {
	views := make([]transactionView, 0, len(records))
	for _, t := range records {
		views = append(views, newTransactionView(t))
	}
	return views
}

// decodeBody decodes a JSON request body into dst; an empty body leaves dst
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.ErrBadRequest, "invalid request body: %v", err)
	}
	return nil
}
