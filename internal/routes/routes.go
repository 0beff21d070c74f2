package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/config"
	"github.com/payrail/payrail/internal/identity"
	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/lock"
	"github.com/payrail/payrail/internal/middleware"
	"github.com/payrail/payrail/internal/notification"
	"github.com/payrail/payrail/internal/provider"
	"github.com/payrail/payrail/internal/provider/chainout"
	"github.com/payrail/payrail/internal/provider/finbridge"
	"github.com/payrail/payrail/internal/provider/orbitpay"
	"github.com/payrail/payrail/internal/settlement"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Resolver identity.Resolver
}

// Runtime exposes the long-lived components the server must drive after route
// wiring: crash recovery and the reconciliation loop.
type Runtime struct {
	Engine *settlement.Engine
	Poller *settlement.Poller
}

// Setup configures middlewares and all application routes, and returns the
// settlement runtime for the server to start.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	// Health
	RegisterHealthRoutes(app, d)

	// Storage and locking backends, in-memory in dev when not configured.
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	var locker lock.Locker
	if d.Cache != nil {
		locker = lock.NewRedis(d.Cache)
	} else {
		locker = lock.NewMemory()
	}

	registry, err := buildRegistry(d.Cfg)
	if err != nil {
		return nil, err
	}

	sink := audit.NewLoggerSink(d.Logger)
	notifier := notification.NewLoggerNotifier(d.Logger)
	policy := settlement.NewPolicy(d.Cfg.AutoApproveLimits, store, d.Logger)
	engine := settlement.NewEngine(store, registry, policy, locker, sink, notifier, nil, d.Logger, settlement.Config{
		DispatchTimeout:     d.Cfg.DispatchTimeout,
		MaxDispatchAttempts: d.Cfg.MaxDispatchAttempts,
		RetryBaseDelay:      d.Cfg.RetryBaseDelay,
		LockTTL:             d.Cfg.LockTTL,
		CallbackBaseURL:     d.Cfg.CallbackBaseURL,
	})
	poller := settlement.NewPoller(engine, store, registry, d.Logger,
		d.Cfg.ReconcileInterval, d.Cfg.ReconcileGrace)

	withdrawalHandler := settlement.NewHandler(engine)
	webhookHandler := settlement.NewWebhookHandler(engine, registry, d.Logger)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Provider callbacks authenticate by signature, not bearer token.
	RegisterWebhookRoutes(api, webhookHandler)

	// Everything else requires an authenticated principal.
	protected := api.Group("", middleware.Auth(d.Resolver))
	RegisterWithdrawalRoutes(protected, withdrawalHandler)
	RegisterAdminRoutes(protected, withdrawalHandler)

	return &Runtime{Engine: engine, Poller: poller}, nil
}

// buildRegistry registers every provider with configured credentials.
func buildRegistry(cfg config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.Orbitpay.Enabled() {
		if err := registry.Register(orbitpay.New(orbitpay.Config{
			BaseURL:       cfg.Orbitpay.BaseURL,
			APIKey:        cfg.Orbitpay.APIKey,
			WebhookSecret: cfg.Orbitpay.WebhookSecret,
		})); err != nil {
			return nil, err
		}
	}
	if cfg.Chainout.Enabled() {
		if err := registry.Register(chainout.New(chainout.Config{
			BaseURL:       cfg.Chainout.BaseURL,
			APIKey:        cfg.Chainout.APIKey,
			WebhookSecret: cfg.Chainout.WebhookSecret,
		})); err != nil {
			return nil, err
		}
	}
	if cfg.Finbridge.Enabled() {
		if err := registry.Register(finbridge.New(finbridge.Config{
			BaseURL:       cfg.Finbridge.BaseURL,
			APIKey:        cfg.Finbridge.APIKey,
			WebhookSecret: cfg.Finbridge.WebhookSecret,
		})); err != nil {
			return nil, err
		}
	}

	if !cfg.IsDev() && len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no payout provider configured")
	}
	return registry, nil
}
