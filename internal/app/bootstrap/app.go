package bootstrap

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/salon-subscriptions/internal/api/router"
	"github.com/wolfman30/salon-subscriptions/internal/billing"
	"github.com/wolfman30/salon-subscriptions/internal/booking"
	"github.com/wolfman30/salon-subscriptions/internal/catalog"
	"github.com/wolfman30/salon-subscriptions/internal/commissions"
	appconfig "github.com/wolfman30/salon-subscriptions/internal/config"
	"github.com/wolfman30/salon-subscriptions/internal/dashboard"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	httpmiddleware "github.com/wolfman30/salon-subscriptions/internal/http/middleware"
	"github.com/wolfman30/salon-subscriptions/internal/observability/metrics"
	"github.com/wolfman30/salon-subscriptions/internal/users"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Postgres is satisfied by *pgxpool.Pool.
type Postgres interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// API is the wired HTTP surface of the platform.
type API struct {
	Router  *router.Config
	Limiter *httpmiddleware.RateLimiter
}

// BuildAPI wires every store, service and handler the API server exposes.
// sqlDB and redisClient are optional.
func BuildAPI(cfg *appconfig.Config, db Postgres, sqlDB *sql.DB, redisClient *redis.Client, registry *prometheus.Registry, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	loc := cfg.Location()
	grace := cfg.RenewalGracePeriod

	bookingMetrics := metrics.NewBookingMetrics(registry)
	billingMetrics := metrics.NewBillingMetrics(registry)

	userService := users.NewService(users.NewPostgresRepository(db), nil, logger.Component("users")).
		WithEventIndex(events.NewProcessedStore(db))
	if redisClient != nil {
		userService.WithCache(users.NewRoleCache(redisClient, cfg.RoleCacheTTL))
	}

	catalogService := catalog.NewService(catalog.NewPostgresRepository(db), userService, logger.Component("catalog"))

	billingStore := billing.NewPGStore(db)
	stripeClient := billing.NewStripeClient(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL, cfg.StripeCurrency, logger)
	billingService := billing.NewService(billingStore, stripeClient, stripeClient, grace, logger.Component("billing"))
	reconciler := billing.NewReconciler(billingStore, logger.Component("reconciler")).WithMetrics(billingMetrics)

	rates := commissions.Calculator{DefaultBPS: cfg.CommissionRateBPS}
	bookingService := booking.NewService(booking.NewPGStore(db), catalogService, rates, loc, grace, logger.Component("booking")).
		WithMetrics(bookingMetrics)
	commissionService := commissions.NewService(commissions.NewRepository(db), catalogService, logger.Component("commissions"))

	limiter := httpmiddleware.NewRateLimiter(cfg.BookingRateLimitRPS, cfg.BookingRateLimitBurst)

	routerCfg := &router.Config{
		Logger: logger,
		Auth: httpmiddleware.AuthConfig{
			Secret:  cfg.AuthJWTSecret,
			Issuer:  cfg.AuthJWTIssuer,
			JWKSURL: cfg.AuthJWKSURL,
		},
		CallerResolver:  userService,
		BookingLimiter:  limiter,
		Users:           users.NewHandler(userService, logger),
		IdentityWebhook: users.NewIdentityWebhookHandler(cfg.IdentityWebhookSecret, userService, logger),
		Catalog:         catalog.NewHandler(catalogService, logger),
		Billing:         billing.NewHandler(billingService, logger),
		StripeWebhook:   billing.NewStripeWebhookHandler(cfg.StripeWebhookSecret, reconciler, logger).WithMetrics(billingMetrics),
		Booking:         booking.NewHandler(bookingService, logger),
		Commissions:     commissions.NewHandler(commissionService, loc, logger),
		HealthCheck: func(ctx context.Context) error {
			return db.Ping(ctx)
		},
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if sqlDB != nil {
		routerCfg.Dashboard = dashboard.NewHandler(dashboard.NewRepository(sqlDB), registry, loc, grace, logger)
	}

	return &API{Router: routerCfg, Limiter: limiter}
}
