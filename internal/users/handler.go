package users

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Handler serves account endpoints.
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

// Me handles GET /me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	u, err := h.service.Me(r.Context(), caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

// List handles GET /admin/users?role=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	list, err := h.service.List(r.Context(), caller, identity.Role(r.URL.Query().Get("role")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"users": list})
}

type roleRequest struct {
	Role string `json:"role"`
}

// ChangeRole handles PUT /admin/users/{userID}/role.
func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.CallerFromContext(r.Context())
	var req roleRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.BadRequest(w, err.Error())
		return
	}
	u, err := h.service.ChangeRole(r.Context(), caller, chi.URLParam(r, "userID"), identity.Role(req.Role))
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
		respond.Error(w, http.StatusNotFound, "not_found", "user not found")
	case errors.Is(err, ErrInvalidRole):
		respond.BadRequest(w, "role must be CLIENT, PARTNER or ADMIN")
	default:
		h.logger.Error("users request failed", "error", err)
		respond.Internal(w)
	}
}
