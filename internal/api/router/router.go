package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/salon-subscriptions/internal/billing"
	"github.com/wolfman30/salon-subscriptions/internal/booking"
	"github.com/wolfman30/salon-subscriptions/internal/catalog"
	"github.com/wolfman30/salon-subscriptions/internal/commissions"
	"github.com/wolfman30/salon-subscriptions/internal/dashboard"
	httpmiddleware "github.com/wolfman30/salon-subscriptions/internal/http/middleware"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/users"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger *logging.Logger

	Auth           httpmiddleware.AuthConfig
	CallerResolver httpmiddleware.CallerResolver
	BookingLimiter *httpmiddleware.RateLimiter

	Users           *users.Handler
	IdentityWebhook *users.IdentityWebhookHandler
	Catalog         *catalog.Handler
	Billing         *billing.Handler
	StripeWebhook   *billing.StripeWebhookHandler
	Booking         *booking.Handler
	Commissions     *commissions.Handler
	Dashboard       *dashboard.Handler

	// HealthCheck reports dependency health; nil means always healthy.
	HealthCheck        func(ctx context.Context) error
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks, browsing)
	r.Group(func(public chi.Router) {
		public.Get("/health", health(cfg.HealthCheck))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/webhooks/stripe", cfg.StripeWebhook.Handle)
		}
		if cfg.IdentityWebhook != nil {
			public.Post("/webhooks/identity", cfg.IdentityWebhook.Handle)
		}
		if cfg.Catalog != nil {
			public.Get("/plans", cfg.Catalog.ListPlans)
			public.Get("/salons", cfg.Catalog.ListSalons)
			public.Get("/salons/{salonID}", cfg.Catalog.GetSalon)
			public.Get("/salons/{salonID}/services", cfg.Catalog.SalonServices)
		}
		if cfg.Booking != nil {
			public.Get("/services/{serviceID}/availability", cfg.Booking.Availability)
		}
	})

	// Authenticated routes. Roles are enforced by the services.
	r.Group(func(authed chi.Router) {
		authed.Use(httpmiddleware.Authenticate(cfg.Auth, cfg.CallerResolver, cfg.Logger))

		if cfg.Users != nil {
			authed.Get("/me", cfg.Users.Me)
		}
		if cfg.Booking != nil {
			authed.Get("/me/usage", cfg.Booking.Usage)
			authed.Route("/appointments", func(r chi.Router) {
				r.Get("/", cfg.Booking.ListMine)
				book := http.HandlerFunc(cfg.Booking.Book)
				if cfg.BookingLimiter != nil {
					r.With(httpmiddleware.RateLimit(cfg.BookingLimiter)).Post("/", book)
				} else {
					r.Post("/", book)
				}
				r.Post("/{appointmentID}/cancel", cfg.Booking.Cancel)
				r.Post("/{appointmentID}/complete", cfg.Booking.Complete)
				r.Post("/{appointmentID}/no-show", cfg.Booking.NoShow)
			})
		}
		if cfg.Billing != nil {
			authed.Route("/subscriptions", func(r chi.Router) {
				r.Post("/checkout", cfg.Billing.Checkout)
				r.Get("/current", cfg.Billing.Current)
				r.Post("/{subscriptionID}/cancel", cfg.Billing.Cancel)
			})
		}
		if cfg.Catalog != nil {
			authed.Post("/partners", cfg.Catalog.RegisterPartner)
		}

		authed.Route("/partner", func(partner chi.Router) {
			if cfg.Catalog != nil {
				partner.Get("/salon", cfg.Catalog.OwnSalon)
				partner.Get("/services", cfg.Catalog.PartnerServices)
				partner.Post("/services", cfg.Catalog.CreateService)
				partner.Put("/services/{serviceID}", cfg.Catalog.UpdateService)
				partner.Delete("/services/{serviceID}", cfg.Catalog.DeleteService)
			}
			if cfg.Booking != nil {
				partner.Get("/appointments", cfg.Booking.PartnerAppointments)
			}
			if cfg.Commissions != nil {
				partner.Get("/commissions/summary", cfg.Commissions.PartnerSummary)
			}
		})

		authed.Route("/admin", func(admin chi.Router) {
			if cfg.Dashboard != nil {
				admin.Get("/dashboard", cfg.Dashboard.Overview)
			}
			if cfg.Users != nil {
				admin.Get("/users", cfg.Users.List)
				admin.Put("/users/{userID}/role", cfg.Users.ChangeRole)
			}
			if cfg.Catalog != nil {
				admin.Get("/salons", cfg.Catalog.AdminSalons)
				admin.Post("/salons/{salonID}/approve", cfg.Catalog.Approve)
				admin.Post("/salons/{salonID}/reject", cfg.Catalog.Reject)
				admin.Post("/plans", cfg.Catalog.CreatePlan)
				admin.Put("/plans/{planID}", cfg.Catalog.UpdatePlan)
			}
			if cfg.Commissions != nil {
				admin.Get("/commissions/payable", cfg.Commissions.Payable)
				admin.Post("/commissions/{commissionID}/pay", cfg.Commissions.MarkPaid)
			}
		})
	})

	return r
}

func health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
