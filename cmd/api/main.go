package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kigipay/kigipay/internal/config"
	"github.com/kigipay/kigipay/internal/infra"
	"github.com/kigipay/kigipay/internal/limits"
	"github.com/kigipay/kigipay/internal/logging"
	"github.com/kigipay/kigipay/internal/server"
	"github.com/kigipay/kigipay/internal/transaction"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := loadPolicy(cfg)
	if err != nil {
		logger.Error("load limits", "error", err)
		os.Exit(1)
	}

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		if cfg.DatabaseURL != "" {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		logger.Warn("no database configured, running with in-memory ledger")
		db = nil
	} else {
		defer db.Close()
		if err := infra.Migrate(ctx, db); err != nil {
			logger.Error("apply migrations", "error", err)
			os.Exit(1)
		}
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		if cfg.RedisURL != "" {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		logger.Warn("no redis configured, idempotency replay disabled")
		cache = nil
	} else {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	srv, err := server.New(cfg, db, cache, policy, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	sweep := transaction.NewSweep(srv.TransactionService())
	go sweep.Run(ctx)

	// SIGHUP reloads the tier limit table without a restart.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if err := policy.Reload(); err != nil {
				logger.Error("reload limits", "error", err)
				continue
			}
			logger.Info("limits reloaded", "file", cfg.LimitsFile)
		}
	}()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

func loadPolicy(cfg config.Config) (*limits.Policy, error) {
	if cfg.LimitsFile == "" {
		return limits.NewStaticPolicy(limits.DefaultTable()), nil
	}
	return limits.NewPolicy(cfg.LimitsFile)
}
