package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kigipay/kigipay/internal/config"
	"github.com/kigipay/kigipay/internal/limits"
	"github.com/kigipay/kigipay/internal/routes"
	"github.com/kigipay/kigipay/internal/transaction"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app    *fiber.App
	cfg    config.Config
	txnSvc *transaction.Service
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, policy *limits.Policy, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	txnSvc, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Policy: policy, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, txnSvc: txnSvc}, nil
}

// TransactionService exposes the wired transaction service for the sweep.
func (s *Server) TransactionService() *transaction.Service {
	return s.txnSvc
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
