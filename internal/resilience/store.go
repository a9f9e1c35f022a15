// Package resilience wraps a storage engine with a circuit breaker and a
// per-call deadline so that a failing backend is reported as
// apperr.ErrStorageUnavailable quickly instead of stalling every request.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/interfaces"
	"github.com/Underflow0/kid-bank/internal/keys"
	"github.com/Underflow0/kid-bank/internal/logging"
	"github.com/Underflow0/kid-bank/internal/metrics"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type ResilientStore struct {
	store   interfaces.LedgerStore
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewResilientStore decorates store. name labels the breaker in logs and
// metrics.
func NewResilientStore(name string, store interfaces.LedgerStore, config Config, collector metrics.Collector, logger *logging.Logger) *ResilientStore {
	logger = logging.OrGlobal(logger).Named("resilience").With(zap.String("store", name))

	rs := &ResilientStore{
		store:   store,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(collector),
		logger:  logger,
	}

	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = DefaultConfig().FailureThreshold
	}

	rs.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Conflicts and missing rows are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.IsExpected(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rs.metrics.RecordCircuitState(name, circuitState(to))
		},
	})

	logger.Info("resilient store initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.MaxRequests),
		zap.Duration("circuit_interval", config.Interval),
		zap.Duration("circuit_timeout", config.OpenTimeout),
		zap.Uint32("failure_threshold", threshold),
	)

	return rs
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// State reports the breaker's current state.
func (rs *ResilientStore) State() metrics.CircuitState {
	return circuitState(rs.cb.State())
}

// execute runs fn under the breaker and deadline, records the outcome and
// normalizes infrastructure errors to apperr.ErrStorageUnavailable.
func execute[T any](rs *ResilientStore, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()

	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	result, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	duration := time.Since(start)
	err = rs.normalize(ctx, op, err, duration)
	rs.metrics.RecordStoreOp(op, apperr.Classify(err), duration)

	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (rs *ResilientStore) normalize(ctx context.Context, op string, err error, duration time.Duration) error {
	switch {
	case err == nil:
		return nil
	case apperr.IsExpected(err):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rs.logger.Warn("circuit breaker open - request rejected", zap.String("operation", op))
		return apperr.Wrap(apperr.ErrStorageUnavailable, "%s: circuit open", op)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rs.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.Duration("timeout", rs.timeout),
			zap.Duration("elapsed", duration),
		)
		return apperr.Wrap(apperr.ErrStorageUnavailable, "%s: timed out after %s", op, duration)
	default:
		rs.logger.Error("store operation failed",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return apperr.Storage(op, err)
	}
}

func (rs *ResilientStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	return execute(rs, ctx, "get_account", func(ctx context.Context) (*models.Account, error) {
		return rs.store.GetAccount(ctx, userID)
	})
}

func (rs *ResilientStore) PutAccount(ctx context.Context, account models.Account) error {
	_, err := execute(rs, ctx, "put_account", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.PutAccount(ctx, account)
	})
	return err
}

func (rs *ResilientStore) UpdateProfile(ctx context.Context, userID string, changes interfaces.ProfileChanges, now time.Time) (*models.Account, error) {
	return execute(rs, ctx, "update_profile", func(ctx context.Context) (*models.Account, error) {
		return rs.store.UpdateProfile(ctx, userID, changes, now)
	})
}

func (rs *ResilientStore) QueryParentIndex(ctx context.Context, parentID string) ([]models.Account, error) {
	return execute(rs, ctx, "query_parent_index", func(ctx context.Context) ([]models.Account, error) {
		return rs.store.QueryParentIndex(ctx, parentID)
	})
}

func (rs *ResilientStore) QueryRoleIndex(ctx context.Context, role models.Role, startKey *keys.Key) (interfaces.AccountPage, error) {
	return execute(rs, ctx, "query_role_index", func(ctx context.Context) (interfaces.AccountPage, error) {
		return rs.store.QueryRoleIndex(ctx, role, startKey)
	})
}

func (rs *ResilientStore) ScanProfiles(ctx context.Context, role models.Role, startKey *keys.Key) (interfaces.AccountPage, error) {
	return execute(rs, ctx, "scan_profiles", func(ctx context.Context) (interfaces.AccountPage, error) {
		return rs.store.ScanProfiles(ctx, role, startKey)
	})
}

func (rs *ResilientStore) QueryTransactions(ctx context.Context, userID string, limit int, startKey *keys.Key) (interfaces.TransactionPage, error) {
	return execute(rs, ctx, "query_transactions", func(ctx context.Context) (interfaces.TransactionPage, error) {
		return rs.store.QueryTransactions(ctx, userID, limit, startKey)
	})
}

func (rs *ResilientStore) ApplyAdjustment(ctx context.Context, expected decimal.Decimal, record models.TransactionRecord) error {
	_, err := execute(rs, ctx, "apply_adjustment", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.store.ApplyAdjustment(ctx, expected, record)
	})
	return err
}

var _ interfaces.LedgerStore = (*ResilientStore)(nil)
