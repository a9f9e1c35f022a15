// Package storage selects and opens the configured storage engine.
package storage

import (
	"context"
	"fmt"

	"github.com/Underflow0/kid-bank/internal/config"
	"github.com/Underflow0/kid-bank/internal/interfaces"
	"github.com/Underflow0/kid-bank/internal/logging"
	"github.com/Underflow0/kid-bank/internal/metrics"
	"github.com/Underflow0/kid-bank/internal/resilience"
	"github.com/Underflow0/kid-bank/internal/storage/memory"
	"github.com/Underflow0/kid-bank/internal/storage/postgres"
	"go.uber.org/zap"
)

// Open builds the engine named by cfg.Backend and wraps it with the circuit
// breaker and per-call deadline. The returned close function releases the
// engine's connections.
func Open(ctx context.Context, cfg config.StorageConfig, collector metrics.Collector, logger *logging.Logger) (interfaces.LedgerStore, func() error, error) {
	logger = logging.OrGlobal(logger).Named("storage")

	var (
		engine  interfaces.LedgerStore
		closeFn = func() error { return nil }
	)
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, data is lost on restart")
		engine = memory.NewMemoryLedgerStore()
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewPostgresLedgerStore(db)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate ledger table: %w", err)
		}
		logger.Info("connected to postgres")
		engine = store
		closeFn = store.Close
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	rs := resilience.NewResilientStore(cfg.Backend, engine, resilience.FromStorageConfig(cfg), collector, logger)
	logger.Info("storage ready",
		zap.String("backend", cfg.Backend),
		zap.Duration("timeout", cfg.Timeout),
		zap.Uint32("breaker_failure_threshold", cfg.BreakerFailureThreshold),
	)
	return rs, closeFn, nil
}
