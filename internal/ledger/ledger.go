// Package ledger is the only writer of account and transaction state. It
// checks the account rules, runs the optimistic read-compute-write
// adjustment and turns storage failures into apperr kinds.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/interfaces"
	"github.com/Underflow0/kid-bank/internal/keys"
	"github.com/Underflow0/kid-bank/internal/logging"
	"github.com/Underflow0/kid-bank/internal/metrics"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/Underflow0/kid-bank/internal/models/events"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 100
)

var maxInterestRate = decimal.NewFromInt(1)

// MaxAmount is the largest amount or balance the ledger accepts. It is the
// largest value the durable engine's NUMERIC(15,2) column can hold.
var MaxAmount = decimal.RequireFromString("9999999999999.99")

// DefaultPublishTimeout bounds one event delivery when Config leaves it unset.
const DefaultPublishTimeout = 5 * time.Second

// RateScale is the number of decimal places an interest rate may carry.
const RateScale = 6

// Config carries the ledger's tunables and collaborators. Zero values fall
// back to no-op collaborators, time.Now and random UUIDs.
type Config struct {
	DefaultInterestRate decimal.Decimal

	// UseRoleIndex selects the role index for ListAllAccountsByRole. When
	// false the degraded full-table scan is used instead.
	UseRoleIndex bool

	// PaginationSecret, when set, makes continuation tokens tamper evident.
	PaginationSecret string

	Publisher interfaces.EventPublisher
	// PublishTimeout bounds each event delivery. Deliveries run after the
	// request has been answered, detached from its cancellation.
	PublishTimeout time.Duration

	Logger    *logging.Logger
	Metrics   metrics.Collector

	Now   func() time.Time
	NewID func() string
}

// Ledger is the main struct of the ledger system. It holds the storage engine
// and never caches balances between calls.
type Ledger struct {
	store        interfaces.LedgerStore
	defaultRate  decimal.Decimal
	useRoleIndex bool
	cursor       cursorCodec
	publisher    interfaces.EventPublisher
	pubTimeout   time.Duration
	inflight     sync.WaitGroup
	logger       *logging.Logger
	metrics      metrics.Collector
	now          func() time.Time
	newID        func() string
}

// NewLedger creates a Ledger on top of any storage engine.
func NewLedger(store interfaces.LedgerStore, cfg Config) *Ledger {
	l := &Ledger{
		store:        store,
		defaultRate:  cfg.DefaultInterestRate,
		useRoleIndex: cfg.UseRoleIndex,
		cursor:       newCursorCodec(cfg.PaginationSecret),
		publisher:    cfg.Publisher,
		pubTimeout:   cfg.PublishTimeout,
		logger:       logging.OrGlobal(cfg.Logger).Named("ledger"),
		metrics:      metrics.OrNoOp(cfg.Metrics),
		now:          cfg.Now,
		newID:        cfg.NewID,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	if l.pubTimeout <= 0 {
		l.pubTimeout = DefaultPublishTimeout
	}
	return l
}

// IsCents reports whether d has at most two decimal places.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

// ValidRate reports whether r is a fraction in [0, 1] with at most RateScale
// decimal places.
func ValidRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(maxInterestRate) && r.Equal(r.Truncate(RateScale))
}

// WithinLimit reports whether |d| does not exceed MaxAmount.
func WithinLimit(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxAmount)
}

// GetAccount returns (nil, nil) when no account exists for userID.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, apperr.Storage("get account", err)
	}
	return acc, nil
}

// NewAccount describes an account to create. Nil Balance means zero and nil
// InterestRate means the configured default.
type NewAccount struct {
	UserID       string
	Email        string
	Name         string
	Role         models.Role
	ParentID     string
	Balance      *decimal.Decimal
	InterestRate *decimal.Decimal
}

// CreateAccount writes a new profile row. An existing row for the same id is
// never overwritten; the call fails with apperr.ErrConflict instead.
func (l *Ledger) CreateAccount(ctx context.Context, req NewAccount) (*models.Account, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "user id is required")
	}
	if !req.Role.Valid() {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "invalid role")
	}
	switch {
	case req.Role == models.RoleChild && req.ParentID == "":
		return nil, apperr.Wrap(apperr.ErrBadRequest, "a child account needs a parent")
	case req.Role == models.RoleParent && req.ParentID != "":
		return nil, apperr.Wrap(apperr.ErrBadRequest, "a parent account cannot have a parent")
	}

	balance := decimal.Zero
	if req.Balance != nil {
		balance = *req.Balance
	}
	if balance.IsNegative() {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "initial balance cannot be negative")
	}
	if !IsCents(balance) {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "initial balance must have at most two decimal places")
	}
	if !WithinLimit(balance) {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "initial balance cannot exceed %s", MaxAmount.StringFixed(2))
	}

	rate := l.defaultRate
	if req.InterestRate != nil {
		rate = *req.InterestRate
	}
	if !ValidRate(rate) {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "interest rate must be between 0 and 1 with at most %d decimal places", RateScale)
	}

	now := l.now().UTC()
	account := models.Account{
		UserID:       req.UserID,
		Email:        req.Email,
		Name:         req.Name,
		Role:         req.Role,
		Balance:      balance.Round(2),
		InterestRate: rate,
		ParentID:     req.ParentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := l.store.PutAccount(ctx, account); err != nil {
		return nil, apperr.Storage("create account", err)
	}

	l.logger.Info("account created",
		zap.String("user_id", account.UserID),
		zap.String("role", account.Role.String()),
		zap.String("parent_id", account.ParentID),
	)
	return &account, nil
}

// ProfileUpdate lists the fields to change; nil fields stay as they are.
type ProfileUpdate struct {
	Name         *string
	InterestRate *decimal.Decimal
}

// UpdateProfile applies a partial update and bumps UpdatedAt.
func (l *Ledger) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*models.Account, error) {
	if update.Name == nil && update.InterestRate == nil {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "nothing to update")
	}
	changes := interfaces.ProfileChanges{InterestRate: update.InterestRate}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, apperr.Wrap(apperr.ErrBadRequest, "name cannot be empty")
		}
		changes.Name = &name
	}
	if update.InterestRate != nil && !ValidRate(*update.InterestRate) {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "interest rate must be between 0 and 1 with at most %d decimal places", RateScale)
	}

	acc, err := l.store.UpdateProfile(ctx, userID, changes, l.now().UTC())
	if err != nil {
		return nil, apperr.Storage("update profile", err)
	}

	l.logger.Info("profile updated", zap.String("user_id", userID))
	return acc, nil
}

// ListChildren returns every child of parentID, in no particular order.
func (l *Ledger) ListChildren(ctx context.Context, parentID string) ([]models.Account, error) {
	children, err := l.store.QueryParentIndex(ctx, parentID)
	if err != nil {
		return nil, apperr.Storage("list children", err)
	}
	if children == nil {
		children = []models.Account{}
	}
	return children, nil
}

// TransactionPage is one page of history, newest first. NextToken is empty on
// the last page.
type TransactionPage struct {
	Records   []models.TransactionRecord
	NextToken string
}

// ListTransactions returns up to limit records of userID's history, newest
// first, resuming after token. A token that cannot be decoded, or that points
// into another account, is logged and ignored.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int, token string) (TransactionPage, error) {
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	if limit > MaxTransactionLimit {
		limit = MaxTransactionLimit
	}

	var start *keys.Key
	if token != "" {
		k, err := l.cursor.decode(token)
		switch {
		case err != nil:
			l.logger.Warn("ignoring continuation token", zap.String("user_id", userID), zap.Error(err))
		case k.PK != keys.UserPartition(userID) || !keys.IsTransactionSK(k.SK):
			l.logger.Warn("ignoring continuation token for another key range", zap.String("user_id", userID))
		default:
			start = &k
		}
	}

	page, err := l.store.QueryTransactions(ctx, userID, limit, start)
	if err != nil {
		return TransactionPage{}, apperr.Storage("list transactions", err)
	}

	out := TransactionPage{Records: page.Records}
	if out.Records == nil {
		out.Records = []models.TransactionRecord{}
	}
	if page.LastKey != nil {
		next, err := l.cursor.encode(*page.LastKey)
		if err != nil {
			return TransactionPage{}, err
		}
		out.NextToken = next
	}
	return out, nil
}

// AdjustRequest describes one balance change. Amount is signed: positive
// credits, negative debits.
type AdjustRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Type        models.TransactionType
	Description string
	InitiatedBy string

	// ExpectedBalance, when set, is the balance the caller computed Amount
	// from. If the stored balance differs the call fails with
	// apperr.ErrConflict.
	ExpectedBalance *decimal.Decimal
}

// AdjustBalance reads the balance, computes the new one and writes it together
// with a transaction record, conditioned on the balance being unchanged since
// the read. A lost race returns apperr.ErrConflict; nothing is retried here.
func (l *Ledger) AdjustBalance(ctx context.Context, req AdjustRequest) (rec *models.TransactionRecord, err error) {
	defer func() {
		l.metrics.RecordAdjustment(string(req.Type), apperr.Classify(err))
	}()

	if !req.Type.Valid() {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "invalid transaction type %q", req.Type)
	}
	if req.Amount.IsZero() {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "amount cannot be zero")
	}
	if !IsCents(req.Amount) {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "amount must have at most two decimal places")
	}
	if !WithinLimit(req.Amount) {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "amount cannot exceed %s", MaxAmount.StringFixed(2))
	}
	if req.InitiatedBy == "" {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "initiator is required")
	}

	log := l.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("type", string(req.Type)),
		zap.String("initiated_by", req.InitiatedBy),
	)

	account, err := l.store.GetAccount(ctx, req.UserID)
	if err != nil {
		return nil, apperr.Storage("read balance", err)
	}
	if account == nil {
		return nil, apperr.Wrap(apperr.ErrNotFound, "account %s", req.UserID)
	}
	if req.ExpectedBalance != nil && !account.Balance.Equal(*req.ExpectedBalance) {
		log.Warn("adjustment not applied: balance moved",
			zap.String("expected", req.ExpectedBalance.StringFixed(2)),
			zap.String("balance", account.Balance.StringFixed(2)),
		)
		return nil, apperr.Wrap(apperr.ErrConflict, "balance of %s changed since it was read", req.UserID)
	}

	newBalance := account.Balance.Add(req.Amount)
	if newBalance.IsNegative() {
		log.Warn("adjustment rejected", zap.String("balance", account.Balance.StringFixed(2)))
		return nil, apperr.Wrap(apperr.ErrInsufficientFunds,
			"balance %s cannot cover %s", account.Balance.StringFixed(2), req.Amount.StringFixed(2))
	}
	if !WithinLimit(newBalance) {
		log.Warn("adjustment rejected", zap.String("balance", account.Balance.StringFixed(2)))
		return nil, apperr.Wrap(apperr.ErrBadRequest, "balance cannot exceed %s", MaxAmount.StringFixed(2))
	}

	record := models.TransactionRecord{
		TransactionID: l.newID(),
		UserID:        req.UserID,
		Amount:        req.Amount,
		Type:          req.Type,
		Description:   req.Description,
		BalanceAfter:  newBalance,
		InitiatedBy:   req.InitiatedBy,
		Timestamp:     l.now().UTC(),
	}

	if err := l.store.ApplyAdjustment(ctx, account.Balance, record); err != nil {
		err = apperr.Storage("apply adjustment", err)
		if apperr.IsExpected(err) {
			log.Warn("adjustment not applied", zap.Error(err))
		} else {
			log.Error("adjustment failed", zap.Error(err))
		}
		return nil, err
	}

	log.Info("balance adjusted",
		zap.String("transaction_id", record.TransactionID),
		zap.String("balance_after", newBalance.StringFixed(2)),
	)

	l.publish(ctx, record)
	return &record, nil
}

// publish emits the BalanceAdjusted event in the background. The write is
// already committed, so failures are only logged.
func (l *Ledger) publish(ctx context.Context, record models.TransactionRecord) {
	if l.publisher == nil {
		return
	}
	event := events.BalanceAdjusted{
		TransactionID: record.TransactionID,
		UserID:        record.UserID,
		Amount:        record.Amount,
		Type:          string(record.Type),
		BalanceAfter:  record.BalanceAfter,
		InitiatedBy:   record.InitiatedBy,
		OccurredAt:    record.Timestamp,
	}

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.pubTimeout)
		defer cancel()

		if err := l.publisher.Publish(ctx, record.UserID, event); err != nil {
			l.logger.Error("failed to publish balance adjusted event",
				zap.String("transaction_id", record.TransactionID),
				zap.Error(err),
			)
		}
	}()
}

// Flush waits for in-flight event deliveries, or until ctx is done.
func (l *Ledger) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListAllAccountsByRole follows the role index (or the full-table scan when
// the index is disabled) until exhausted and returns every matching account.
func (l *Ledger) ListAllAccountsByRole(ctx context.Context, role models.Role) ([]models.Account, error) {
	if !role.Valid() {
		return nil, apperr.Wrap(apperr.ErrBadRequest, "invalid role")
	}

	fetch := l.store.QueryRoleIndex
	op := "query role index"
	if !l.useRoleIndex {
		fetch = l.store.ScanProfiles
		op = "scan profiles"
		l.logger.Warn("role index disabled, scanning the full table", zap.String("role", role.String()))
	}

	accounts := []models.Account{}
	var start *keys.Key
	pages := 0
	for {
		page, err := fetch(ctx, role, start)
		if err != nil {
			return nil, apperr.Storage(op, err)
		}
		pages++
		accounts = append(accounts, page.Accounts...)
		if page.LastKey == nil {
			break
		}
		start = page.LastKey
	}

	l.logger.Debug("listed accounts by role",
		zap.String("role", role.String()),
		zap.Int("accounts", len(accounts)),
		zap.Int("pages", pages),
	)
	return accounts, nil
}
