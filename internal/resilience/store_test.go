package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/config"
	"github.com/Underflow0/kid-bank/internal/metrics"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/Underflow0/kid-bank/internal/storage/memory"
	"github.com/shopspring/decimal"
)

// flakyStore fails GetAccount with err while it is set.
type flakyStore struct {
	*memory.MemoryLedgerStore
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
}

func (f *flakyStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	f.mu.Lock()
	f.calls++
	err, delay := f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.MemoryLedgerStore.GetAccount(ctx, userID)
}

func (f *flakyStore) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type stateRecorder struct {
	metrics.NoOpCollector
	mu       sync.Mutex
	states   []metrics.CircuitState
	outcomes []string
}

func (r *stateRecorder) RecordCircuitState(name string, state metrics.CircuitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) RecordStoreOp(op, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func testConfig() Config {
	return Config{
		Timeout:          time.Second,
		MaxRequests:      1,
		Interval:         time.Minute,
		OpenTimeout:      50 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func TestResilientStore_PassesThrough(t *testing.T) {
	inner := memory.NewMemoryLedgerStore()
	rs := NewResilientStore("test", inner, testConfig(), nil, nil)
	ctx := context.Background()

	acc := models.Account{UserID: "c1", Role: models.RoleChild, ParentID: "p1", Balance: decimal.NewFromInt(3)}
	if err := rs.PutAccount(ctx, acc); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	got, err := rs.GetAccount(ctx, "c1")
	if err != nil || got == nil || got.UserID != "c1" {
		t.Fatalf("GetAccount = %v, %v", got, err)
	}
	absent, err := rs.GetAccount(ctx, "nobody")
	if err != nil || absent != nil {
		t.Fatalf("GetAccount(nobody) = %v, %v", absent, err)
	}
}

func TestResilientStore_TripsOnInfrastructureFailures(t *testing.T) {
	flaky := &flakyStore{MemoryLedgerStore: memory.NewMemoryLedgerStore()}
	rec := &stateRecorder{}
	rs := NewResilientStore("test", flaky, testConfig(), rec, nil)
	ctx := context.Background()

	flaky.set(errors.New("connection refused"))
	for i := 0; i < 3; i++ {
		_, err := rs.GetAccount(ctx, "c1")
		if !apperr.IsStorageUnavailable(err) {
			t.Fatalf("call %d: err = %v, want storage unavailable", i, err)
		}
	}
	if rs.State() != metrics.CircuitOpen {
		t.Fatalf("state = %s, want open", rs.State())
	}

	callsBefore := flaky.calls
	if _, err := rs.GetAccount(ctx, "c1"); !apperr.IsStorageUnavailable(err) {
		t.Fatalf("open breaker err = %v", err)
	}
	if flaky.calls != callsBefore {
		t.Errorf("open breaker still called the store")
	}

	flaky.set(nil)
	time.Sleep(80 * time.Millisecond)
	if _, err := rs.GetAccount(ctx, "c1"); err != nil {
		t.Fatalf("half-open trial: %v", err)
	}
	if rs.State() != metrics.CircuitClosed {
		t.Errorf("state = %s, want closed", rs.State())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) == 0 || rec.states[0] != metrics.CircuitOpen {
		t.Errorf("recorded states = %v", rec.states)
	}
}

func TestResilientStore_ExpectedErrorsDoNotTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"conflict", apperr.Wrap(apperr.ErrConflict, "stale")},
		{"value out of range", apperr.Wrap(apperr.ErrBadRequest, "update balance: numeric field overflow")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := &flakyStore{MemoryLedgerStore: memory.NewMemoryLedgerStore()}
			rs := NewResilientStore("test", flaky, testConfig(), nil, nil)

			flaky.set(tt.err)
			for i := 0; i < 10; i++ {
				if _, err := rs.GetAccount(context.Background(), "c1"); !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
			}
			if rs.State() != metrics.CircuitClosed {
				t.Errorf("state = %s, want closed", rs.State())
			}

			flaky.set(nil)
			if _, err := rs.GetAccount(context.Background(), "anyone"); err != nil {
				t.Errorf("unrelated read failed: %v", err)
			}
		})
	}
}

func TestResilientStore_Timeout(t *testing.T) {
	flaky := &flakyStore{MemoryLedgerStore: memory.NewMemoryLedgerStore(), delay: time.Second}
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	rec := &stateRecorder{}
	rs := NewResilientStore("test", flaky, cfg, rec, nil)

	_, err := rs.GetAccount(context.Background(), "c1")
	if !apperr.IsStorageUnavailable(err) {
		t.Fatalf("err = %v, want storage unavailable", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "storage_unavailable" {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestFromStorageConfig_DefaultsThreshold(t *testing.T) {
	cfg := FromStorageConfig(config.StorageConfig{Timeout: time.Second})
	if cfg.FailureThreshold != DefaultConfig().FailureThreshold {
		t.Errorf("FailureThreshold = %d", cfg.FailureThreshold)
	}
}
