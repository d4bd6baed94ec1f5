package commissions

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Handler serves commission endpoints.
type Handler struct {
	service *Service
	loc     *time.Location
	logger  *logging.Logger
}

func NewHandler(service *Service, loc *time.Location, logger *logging.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, loc: loc, logger: logger}
}

// PartnerSummary handles GET /partner/commissions/summary?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Both bounds are inclusive dates; the default is the current month.
func (h *Handler) PartnerSummary(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	now := time.Now().In(h.loc)
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, h.loc)
	to := from.AddDate(0, 1, 0)

	if raw := r.URL.Query().Get("from"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, h.loc)
		if err != nil {
			respond.BadRequest(w, "from must be YYYY-MM-DD")
			return
		}
		from = d
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, h.loc)
		if err != nil {
			respond.BadRequest(w, "to must be YYYY-MM-DD")
			return
		}
		to = d.AddDate(0, 0, 1)
	}
	if !to.After(from) {
		respond.BadRequest(w, "to must not be before from")
		return
	}

	summary, err := h.service.PartnerSummary(r.Context(), caller, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, summary)
}

// Payable handles GET /admin/commissions/payable.
func (h *Handler) Payable(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	rows, err := h.service.Payable(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"salons": rows})
}

// MarkPaid handles POST /admin/commissions/{commissionID}/pay.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	c, err := h.service.MarkPaid(r.Context(), caller, chi.URLParam(r, "commissionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "forbidden", "operation not permitted")
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, "not_found", "commission not found")
	case errors.Is(err, ErrAlreadyPaid):
		respond.Error(w, http.StatusConflict, "invalid_transition", "commission already paid")
	default:
		h.logger.Error("commission request failed", "error", err)
		respond.Internal(w)
	}
}
