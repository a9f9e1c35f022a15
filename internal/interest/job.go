// Package interest applies monthly simple interest to every child account.
package interest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/Underflow0/kid-bank/internal/logging"
	"github.com/Underflow0/kid-bank/internal/metrics"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var hundred = decimal.NewFromInt(100)

// Ledger is the part of the ledger the job needs.
type Ledger interface {
	ListAllAccountsByRole(ctx context.Context, role models.Role) ([]models.Account, error)
	AdjustBalance(ctx context.Context, req ledger.AdjustRequest) (*models.TransactionRecord, error)
}

// Failure describes one account the run could not credit.
type Failure struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

// Summary is the observable outcome of one run.
type Summary struct {
	Timestamp       time.Time     `json:"timestamp"`
	TotalAccounts   int           `json:"totalAccounts"`
	Successful      int           `json:"successful"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	Failures        []Failure     `json:"failures,omitempty"`
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"durationSeconds"`
}

type Job struct {
	ledger      Ledger
	concurrency int
	logger      *logging.Logger
	metrics     metrics.Collector
	now         func() time.Time
}

type Option func(*Job)

func WithConcurrency(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.concurrency = n
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(j *Job) { j.logger = l }
}

func WithMetrics(c metrics.Collector) Option {
	return func(j *Job) { j.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

func NewJob(l Ledger, opts ...Option) *Job {
	j := &Job{
		ledger:      l,
		concurrency: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = logging.OrGlobal(j.logger).Named("interest")
	j.metrics = metrics.OrNoOp(j.metrics)
	return j
}

// Amount is balance*rate rounded half-up to cents.
func Amount(balance, rate decimal.Decimal) decimal.Decimal {
	// Round is half away from zero, which is half-up for non-negative balances.
	return balance.Mul(rate).Round(2)
}

// Description is the transaction description for an interest credit.
func Description(rate decimal.Decimal) string {
	return fmt.Sprintf("Monthly interest (%s%%)", rate.Mul(hundred).StringFixed(2))
}

type outcome int

const (
	credited outcome = iota
	skipped
	failed
)

// Run credits interest to every child account. Each account is handled
// independently; a failure is recorded in the summary and never stops the
// others. The returned error is non-nil only when the accounts could not be
// listed.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	start := j.now()
	j.logger.Info("starting monthly interest calculation")

	accounts, err := j.ledger.ListAllAccountsByRole(ctx, models.RoleChild)
	if err != nil {
		j.logger.Error("interest calculation failed", zap.Error(err))
		return Summary{}, fmt.Errorf("list child accounts: %w", err)
	}
	j.logger.Info("found child accounts to process", zap.Int("accounts", len(accounts)))

	summary := Summary{TotalAccounts: len(accounts)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(j.concurrency)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			result, err := j.accrue(ctx, account)

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case credited:
				summary.Successful++
			case skipped:
				summary.Skipped++
			case failed:
				summary.Failed++
				summary.Failures = append(summary.Failures, Failure{
					UserID: account.UserID,
					Name:   account.Name,
					Error:  err.Error(),
				})
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(summary.Failures, func(a, b int) bool {
		return summary.Failures[a].UserID < summary.Failures[b].UserID
	})

	end := j.now()
	summary.Timestamp = end.UTC()
	summary.Duration = end.Sub(start)
	summary.DurationSeconds = summary.Duration.Seconds()

	j.metrics.RecordInterestRun(summary.Successful, summary.Skipped, summary.Failed, summary.Duration)
	j.logger.Info("interest calculation complete",
		zap.Int("total_accounts", summary.TotalAccounts),
		zap.Int("successful", summary.Successful),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (j *Job) accrue(ctx context.Context, account models.Account) (outcome, error) {
	log := j.logger.With(zap.String("user_id", account.UserID), zap.String("name", account.Name))

	if account.InterestRate.IsZero() {
		log.Debug("skipping account: interest rate is 0")
		return skipped, nil
	}
	if account.Balance.IsZero() {
		log.Debug("skipping account: balance is 0")
		return skipped, nil
	}

	amount := Amount(account.Balance, account.InterestRate)
	if amount.IsZero() {
		log.Debug("skipping account: calculated interest is 0",
			zap.String("balance", account.Balance.StringFixed(2)),
			zap.String("rate", account.InterestRate.String()),
		)
		return skipped, nil
	}

	balance := account.Balance
	rec, err := j.ledger.AdjustBalance(ctx, ledger.AdjustRequest{
		UserID:          account.UserID,
		Amount:          amount,
		Type:            models.TransactionInterest,
		Description:     Description(account.InterestRate),
		InitiatedBy:     models.SystemPrincipal,
		ExpectedBalance: &balance,
	})
	if err != nil {
		log.Error("failed to apply interest", zap.Error(err))
		return failed, err
	}

	log.Info("applied interest",
		zap.String("interest", amount.StringFixed(2)),
		zap.String("rate", account.InterestRate.String()),
		zap.String("balance_before", account.Balance.StringFixed(2)),
		zap.String("balance_after", rec.BalanceAfter.StringFixed(2)),
	)
	return credited, nil
}
