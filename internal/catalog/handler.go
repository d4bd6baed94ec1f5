package catalog

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Handler serves salon, service and plan endpoints.
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

// RegisterPartner handles POST /partners.
func (h *Handler) RegisterPartner(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var in SalonInput
	if err := respond.Decode(r, &in); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	salon, err := h.service.RegisterSalon(r.Context(), caller, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, salon)
}

// OwnSalon handles GET /partner/salon.
func (h *Handler) OwnSalon(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	salon, err := h.service.OwnSalon(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, salon)
}

// AdminSalons handles GET /admin/salons?status=.
func (h *Handler) AdminSalons(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	status := SalonStatus(strings.ToUpper(r.URL.Query().Get("status")))
	list, err := h.service.AdminSalons(r.Context(), caller, status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"salons": list})
}

// Approve handles POST /admin/salons/{salonID}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	salon, err := h.service.ApproveSalon(r.Context(), caller, chi.URLParam(r, "salonID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, salon)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /admin/salons/{salonID}/reject. The body is optional.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.BadRequest(w, err.Error())
			return
		}
	}
	salon, err := h.service.RejectSalon(r.Context(), caller, chi.URLParam(r, "salonID"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, salon)
}

// ListSalons handles GET /salons?search=&lat=&lng=&radius_km=.
func (h *Handler) ListSalons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := SalonQuery{Search: q.Get("search")}
	if q.Get("lat") != "" || q.Get("lng") != "" {
		near, err := parseNear(q.Get("lat"), q.Get("lng"), q.Get("radius_km"))
		if err != nil {
			respond.BadRequest(w, err.Error())
			return
		}
		query.Near = near
	}
	list, err := h.service.ListSalons(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"salons": list})
}

func parseNear(rawLat, rawLng, rawRadius string) (*Near, error) {
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, errors.New("lat must be a latitude")
	}
	lng, err := strconv.ParseFloat(rawLng, 64)
	if err != nil || lng < -180 || lng > 180 {
		return nil, errors.New("lng must be a longitude")
	}
	radius := DefaultRadiusKM
	if rawRadius != "" {
		radius, err = strconv.ParseFloat(rawRadius, 64)
		if err != nil || radius <= 0 {
			return nil, errors.New("radius_km must be positive")
		}
	}
	return &Near{Latitude: lat, Longitude: lng, RadiusKM: radius}, nil
}

// GetSalon handles GET /salons/{salonID}.
func (h *Handler) GetSalon(w http.ResponseWriter, r *http.Request) {
	salon, err := h.service.PublicSalon(r.Context(), chi.URLParam(r, "salonID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, salon)
}

// SalonServices handles GET /salons/{salonID}/services.
func (h *Handler) SalonServices(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.PublicServices(r.Context(), chi.URLParam(r, "salonID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"services": list})
}

// PartnerServices handles GET /partner/services.
func (h *Handler) PartnerServices(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	list, err := h.service.PartnerServices(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"services": list})
}

// CreateService handles POST /partner/services.
func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var in ServiceInput
	if err := respond.Decode(r, &in); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	svc, err := h.service.CreateService(r.Context(), caller, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, svc)
}

// UpdateService handles PUT /partner/services/{serviceID}.
func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var in ServiceInput
	if err := respond.Decode(r, &in); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	svc, err := h.service.UpdateService(r.Context(), caller, chi.URLParam(r, "serviceID"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, svc)
}

// DeleteService handles DELETE /partner/services/{serviceID}.
func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	if err := h.service.DeleteService(r.Context(), caller, chi.URLParam(r, "serviceID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPlans handles GET /plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListPlans(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"plans": list})
}

// CreatePlan handles POST /admin/plans.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var in PlanInput
	if err := respond.Decode(r, &in); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	plan, err := h.service.CreatePlan(r.Context(), caller, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, plan)
}

// UpdatePlan handles PUT /admin/plans/{planID}.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var in PlanInput
	if err := respond.Decode(r, &in); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	plan, err := h.service.UpdatePlan(r.Context(), caller, chi.URLParam(r, "planID"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, plan)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "forbidden", "operation not permitted")
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, ErrInvalidInput):
		respond.BadRequest(w, err.Error())
	case errors.Is(err, ErrSalonExists):
		respond.Error(w, http.StatusConflict, "salon_exists", "caller already owns a salon")
	case errors.Is(err, ErrNotPending):
		respond.Error(w, http.StatusConflict, "invalid_transition", "salon is not pending review")
	case errors.Is(err, ErrSalonNotApproved):
		respond.Error(w, http.StatusForbidden, "salon_not_approved", "an approved salon is required")
	case errors.Is(err, ErrServiceInUse):
		respond.Error(w, http.StatusConflict, "service_in_use", "service has upcoming appointments")
	default:
		h.logger.Error("catalog request failed", "error", err)
		respond.Internal(w)
	}
}
