package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

type countsReader interface {
	Counts(ctx context.Context, now time.Time, grace time.Duration, monthStart, monthEnd time.Time) (Counts, error)
}

// Overview is the GET /admin/dashboard response.
type Overview struct {
	Month   string          `json:"month"`
	Counts  Counts          `json:"counts"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// Handler serves the admin dashboard.
type Handler struct {
	repo     countsReader
	gatherer prometheus.Gatherer
	loc      *time.Location
	grace    time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewHandler(repo countsReader, gatherer prometheus.Gatherer, loc *time.Location, grace time.Duration, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{repo: repo, gatherer: gatherer, loc: loc, grace: grace, logger: logger, now: time.Now}
}

// Overview handles GET /admin/dashboard.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	if err := access.Check(caller, access.OpViewPlatform); err != nil {
		respond.Error(w, http.StatusForbidden, "forbidden", "operation not permitted")
		return
	}
	if h.repo == nil {
		respond.Error(w, http.StatusServiceUnavailable, "unavailable", "dashboard disabled (db not configured)")
		return
	}

	now := h.now().In(h.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, h.loc)
	counts, err := h.repo.Counts(r.Context(), now.UTC(), h.grace, monthStart.UTC(), monthStart.AddDate(0, 1, 0).UTC())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Error("dashboard query failed", "error", err)
		}
		respond.Internal(w)
		return
	}
	respond.JSON(w, http.StatusOK, Overview{
		Month:   monthStart.Format("2006-01"),
		Counts:  counts,
		Metrics: snapshotMetrics(h.gatherer),
	})
}
