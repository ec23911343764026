package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kigipay/kigipay/internal/account"
	"github.com/kigipay/kigipay/internal/compliance"
	"github.com/kigipay/kigipay/internal/config"
	"github.com/kigipay/kigipay/internal/kyc"
	"github.com/kigipay/kigipay/internal/ledger"
	"github.com/kigipay/kigipay/internal/limits"
	"github.com/kigipay/kigipay/internal/middleware"
	"github.com/kigipay/kigipay/internal/mobilemoney"
	"github.com/kigipay/kigipay/internal/notification"
	"github.com/kigipay/kigipay/internal/transaction"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Policy  *limits.Policy
	Gateway mobilemoney.Gateway
	Logger  *slog.Logger
}

// Setup configures middlewares and all application routes. It returns the
// transaction service so the caller can run the reconciliation sweep
// against the same wiring the handlers use.
func Setup(app *fiber.App, d Deps) (*transaction.Service, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	var store ledger.Store
	var tiers kyc.TierProvider
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB, d.Policy)
		tiers = kyc.NewPostgresProvider(d.DB)
	} else {
		store = ledger.NewMemoryStore(d.Policy)
		tiers = kyc.NewMemoryProvider()
	}

	gateway := d.Gateway
	if gateway == nil {
		gateway = mobilemoney.NewStaticGateway()
	}
	notifier := notification.NewLoggerNotifier(d.Logger)

	txnCfg := transaction.DefaultConfig()
	txnCfg.MaxRetries = d.Cfg.MaxRetries
	txnCfg.ReversalWindow = d.Cfg.ReversalWindow
	txnCfg.ApprovalThreshold = d.Cfg.ApprovalThreshold
	txnCfg.CallbackSLA = d.Cfg.CallbackSLA
	txnCfg.SweepInterval = d.Cfg.SweepInterval

	accountSvc := account.NewService(store, tiers)
	txnSvc := transaction.NewService(store, tiers, d.Policy, gateway, notifier, d.Logger, txnCfg)
	reporter := compliance.NewReporter(store, tiers, d.Policy)

	accountHandler := account.NewHandler(accountSvc)
	txnHandler := transaction.NewHandler(txnSvc)
	reportHandler := compliance.NewHandler(reporter)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	accounts := api.Group("/accounts")
	accounts.Post("/", accountHandler.Create)
	accounts.Get("/", accountHandler.ByOwner)
	accounts.Get("/:accountId", accountHandler.Get)
	accounts.Get("/:accountId/balance", accountHandler.Balance)
	accounts.Get("/:accountId/entries", accountHandler.Statement)
	accounts.Patch("/:accountId/status", accountHandler.SetStatus)

	txns := api.Group("/transactions")
	txns.Post("/deposits", txnHandler.Deposit)
	txns.Post("/withdrawals", txnHandler.Withdraw)
	txns.Post("/transfers", txnHandler.Transfer)
	txns.Post("/payments", txnHandler.Pay)
	txns.Get("/:transactionId", txnHandler.Get)
	txns.Post("/:transactionId/cancel", txnHandler.Cancel)
	txns.Post("/:transactionId/retry", txnHandler.Retry)
	txns.Post("/:transactionId/reverse", txnHandler.Reverse)
	txns.Post("/:transactionId/approve", txnHandler.Approve)

	// Machine-to-machine surfaces share the service token guard.
	serviceOnly := middleware.ServiceToken(d.Cfg.ServiceTokenHash)
	api.Post("/callbacks/mobile-money", serviceOnly, txnHandler.Callback)
	api.Get("/reports/compliance", serviceOnly, reportHandler.Report)

	return txnSvc, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
