// Command interest runs one monthly interest accrual over every child account
// and exits. It is meant to be triggered by an external scheduler.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Underflow0/kid-bank/internal/config"
	"github.com/Underflow0/kid-bank/internal/events/kafka"
	"github.com/Underflow0/kid-bank/internal/interest"
	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/Underflow0/kid-bank/internal/logging"
	"github.com/Underflow0/kid-bank/internal/storage"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := storage.Open(ctx, cfg.Storage, nil, logger)
	if err != nil {
		logger.Error("failed to open storage", zap.Error(err))
		return 1
	}
	defer closeStore()

	ledgerCfg := ledger.Config{
		DefaultInterestRate: cfg.Ledger.DefaultInterestRate,
		UseRoleIndex:        cfg.Storage.UseRoleIndex,
		PublishTimeout:      cfg.Events.PublishTimeout,
		Logger:              logger,
	}
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer publisher.Close()
		ledgerCfg.Publisher = publisher
	}

	l := ledger.NewLedger(store, ledgerCfg)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Events.PublishTimeout)
		defer cancel()
		if err := l.Flush(flushCtx); err != nil {
			logger.Warn("balance events still in flight at exit", zap.Error(err))
		}
	}()

	job := interest.NewJob(l,
		interest.WithConcurrency(cfg.Interest.Concurrency),
		interest.WithLogger(logger),
	)
	summary, err := job.Run(ctx)
	if err != nil {
		logger.Error("interest run aborted", zap.Error(err))
		return 1
	}

	for _, f := range summary.Failures {
		logger.Warn("account not credited",
			zap.String("user_id", f.UserID),
			zap.String("name", f.Name),
			zap.String("error", f.Error),
		)
	}
	logger.Info("interest run finished",
		zap.Time("timestamp", summary.Timestamp),
		zap.Int("total_accounts", summary.TotalAccounts),
		zap.Int("successful", summary.Successful),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Float64("duration_seconds", summary.DurationSeconds),
	)
	return 0
}
