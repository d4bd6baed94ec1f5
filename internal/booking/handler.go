package booking

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Handler serves the booking endpoints.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Availability handles GET /services/{serviceID}/availability?date=YYYY-MM-DD.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	date, err := time.ParseInLocation(time.DateOnly, raw, h.service.Location())
	if err != nil {
		respond.BadRequest(w, "date must be YYYY-MM-DD")
		return
	}
	serviceID := chi.URLParam(r, "serviceID")
	slots, err := h.service.Availability(r.Context(), serviceID, date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"service_id": serviceID, "date": raw, "slots": slots})
}

type bookRequest struct {
	ServiceID   string `json:"service_id"`
	SalonID     string `json:"salon_id"`
	ScheduledAt string `json:"scheduled_at"`
}

// Book handles POST /appointments. The price is always taken from the service.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var req bookRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.SalonID = strings.TrimSpace(req.SalonID)
	if req.ServiceID == "" || req.SalonID == "" {
		respond.BadRequest(w, "service_id and salon_id are required")
		return
	}
	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		respond.BadRequest(w, "scheduled_at must be RFC 3339")
		return
	}

	apt, err := h.service.Book(r.Context(), caller, BookRequest{ServiceID: req.ServiceID, SalonID: req.SalonID, ScheduledAt: at})
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, apt)
}

// ListMine handles GET /appointments.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	list, err := h.service.ListMine(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"appointments": list})
}

// Cancel handles POST /appointments/{appointmentID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	apt, err := h.service.Cancel(r.Context(), caller, chi.URLParam(r, "appointmentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, apt)
}

// NoShow handles POST /appointments/{appointmentID}/no-show.
func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	apt, err := h.service.NoShow(r.Context(), caller, chi.URLParam(r, "appointmentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, apt)
}

// Complete handles POST /appointments/{appointmentID}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	done, err := h.service.Complete(r.Context(), caller, chi.URLParam(r, "appointmentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"appointment":   done.Appointment,
		"commission_id": done.Commission.ID,
		"commission":    done.Commission,
	})
}

// PartnerAppointments handles GET /partner/appointments?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Both bounds are inclusive; the default is the current month.
func (h *Handler) PartnerAppointments(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	loc := h.service.Location()
	from, to := MonthBounds(time.Now(), loc)
	if raw := r.URL.Query().Get("from"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			respond.BadRequest(w, "from must be YYYY-MM-DD")
			return
		}
		from = d
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, loc)
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
	list, err := h.service.ListForPartner(r.Context(), caller, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"appointments": list})
}

// Usage handles GET /me/usage?month=YYYY-MM.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	month := time.Now()
	if raw := r.URL.Query().Get("month"); raw != "" {
		m, err := time.ParseInLocation("2006-01", raw, h.service.Location())
		if err != nil {
			respond.BadRequest(w, "month must be YYYY-MM")
			return
		}
		month = m
	}
	u, err := h.service.Usage(r.Context(), caller, month)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "forbidden", "operation not permitted")
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, "not_found", "appointment not found")
	case errors.Is(err, ErrServiceNotFound):
		respond.Error(w, http.StatusNotFound, "service_not_found", "service not found")
	case errors.Is(err, ErrSlotUnavailable):
		respond.Error(w, http.StatusConflict, "slot_unavailable", "slot is already booked")
	case errors.Is(err, ErrOutsideAvailability):
		respond.Error(w, http.StatusConflict, "outside_availability", "time is not an open slot for this service")
	case errors.Is(err, ErrNoEntitlement):
		respond.Error(w, http.StatusConflict, "no_entitlement", "an active subscription is required")
	case errors.Is(err, ErrQuotaExceeded):
		respond.Error(w, http.StatusConflict, "quota_exceeded", "monthly service quota reached")
	case errors.Is(err, ErrInvalidTransition):
		respond.Error(w, http.StatusConflict, "invalid_transition", "appointment is no longer scheduled")
	default:
		h.logger.Error("booking request failed", "error", err)
		respond.Internal(w)
	}
}
