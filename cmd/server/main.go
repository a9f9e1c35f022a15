package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Underflow0/kid-bank/internal/auth"
	"github.com/Underflow0/kid-bank/internal/config"
	"github.com/Underflow0/kid-bank/internal/events/kafka"
	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/Underflow0/kid-bank/internal/logging"
	promcollector "github.com/Underflow0/kid-bank/internal/metrics/prometheus"
	"github.com/Underflow0/kid-bank/internal/server"
	"github.com/Underflow0/kid-bank/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if !cfg.Auth.AuthEnabled() {
		logger.Fatal("AUTH_ISSUER, AUTH_AUDIENCE and AUTH_JWKS_URL must be set")
	}

	ctx := context.Background()

	collector := promcollector.NewPrometheusCollector("kid_bank")
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	store, closeStore, err := storage.Open(ctx, cfg.Storage, collector, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer closeStore()

	ledgerCfg := ledger.Config{
		DefaultInterestRate: cfg.Ledger.DefaultInterestRate,
		UseRoleIndex:        cfg.Storage.UseRoleIndex,
		PaginationSecret:    cfg.Ledger.PaginationSecret,
		PublishTimeout:      cfg.Events.PublishTimeout,
		Logger:              logger,
		Metrics:             collector,
	}
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer publisher.Close()
		ledgerCfg.Publisher = publisher
		logger.Info("publishing balance events",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.KafkaTopic),
		)
	}
	ledgerService := ledger.NewLedger(store, ledgerCfg)

	cacheOpts := []auth.KeyCacheOption{auth.WithCacheLogger(logger)}
	if cfg.Auth.RedisAddr != "" {
		shared, err := auth.NewRedisStore(ctx, cfg.Auth.RedisAddr)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer shared.Close()
		cacheOpts = append(cacheOpts, auth.WithSharedStore(shared))
	}
	keys := auth.NewKeyCache(cfg.Auth.JWKSURL, cfg.Auth.JWKSCacheTTL, cacheOpts...)

	srv := server.NewServer(server.Deps{
		Ledger:         ledgerService,
		Directory:      auth.NewMemoryDirectory(),
		Authenticator:  auth.NewVerifier(keys, cfg.Auth.Issuer, cfg.Auth.Audience),
		MetricsHandler: promhttp.Handler(),
		Metrics:        collector,
		Logger:         logger,
	}, server.ServerConfig{
		Address:        ":" + cfg.Port,
		RequestTimeout: cfg.RequestTimeout,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
	})
	srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := ledgerService.Flush(shutdownCtx); err != nil {
		logger.Warn("balance events still in flight at shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
