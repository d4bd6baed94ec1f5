package billing

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Handler serves the subscription endpoints.
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

type checkoutRequest struct {
	PlanID string `json:"plan_id"`
}

// Checkout handles POST /subscriptions/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var req checkoutRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		respond.BadRequest(w, "plan_id is required")
		return
	}
	session, err := h.service.StartCheckout(r.Context(), caller, strings.TrimSpace(req.PlanID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]string{"session_id": session.ID, "url": session.URL})
}

// Current handles GET /subscriptions/current.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	view, err := h.service.Current(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, view)
}

// Cancel handles POST /subscriptions/{subscriptionID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	sub, err := h.service.Cancel(r.Context(), caller, chi.URLParam(r, "subscriptionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sub)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "forbidden", "operation not permitted")
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, "not_found", "subscription not found")
	case errors.Is(err, ErrNotCancelable):
		respond.Error(w, http.StatusConflict, "invalid_transition", "subscription cannot be canceled")
	case errors.Is(err, ErrCheckoutDisabled):
		respond.Error(w, http.StatusServiceUnavailable, "checkout_unavailable", "checkout is not configured")
	default:
		h.logger.Error("subscription request failed", "error", err)
		respond.Internal(w)
	}
}
