package users

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Identity-provider event types.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// signatureTolerance bounds the skew between svix-timestamp and now.
const signatureTolerance = 5 * time.Minute

const maxWebhookBody = 1 << 20

// IdentityEvent is the provider's user event envelope.
type IdentityEvent struct {
	ID   string       `json:"-"`
	Type string       `json:"type"`
	Data identityUser `json:"data"`
}

type identityUser struct {
	ID                    string `json:"id"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Profile extracts the user profile, preferring the primary email address.
func (e IdentityEvent) Profile() Profile {
	p := Profile{ExternalID: e.Data.ID, FirstName: e.Data.FirstName, LastName: e.Data.LastName}
	for i, addr := range e.Data.EmailAddresses {
		if i == 0 || addr.ID == e.Data.PrimaryEmailAddressID {
			p.Email = addr.EmailAddress
		}
	}
	return p
}

// VerifySignature checks Svix headers with the svix SDK. The timestamp
// tolerance is enforced against now so the clock can be injected; the
// signature itself is checked by the SDK.
func VerifySignature(secret string, header http.Header, body []byte, now time.Time) error {
	rawTS := header.Get("svix-timestamp")
	if header.Get("svix-id") == "" || rawTS == "" || header.Get("svix-signature") == "" {
		return fmt.Errorf("%w: missing headers", ErrVerificationFailed)
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrVerificationFailed)
	}
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > signatureTolerance || sent.Sub(now) > signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrVerificationFailed)
	}

	wh, err := svix.NewWebhook(strings.TrimSpace(secret))
	if err != nil {
		return fmt.Errorf("%w: invalid secret: %v", ErrVerificationFailed, err)
	}
	if err := wh.VerifyIgnoringTimestamp(body, header); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

// IdentityWebhookHandler receives user events from the identity provider.
type IdentityWebhookHandler struct {
	secret  string
	service *Service
	logger  *logging.Logger
	now     func() time.Time
}

func NewIdentityWebhookHandler(secret string, service *Service, logger *logging.Logger) *IdentityWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &IdentityWebhookHandler{secret: strings.TrimSpace(secret), service: service, logger: logger, now: time.Now}
}

// Handle serves POST /webhooks/identity. Once the signature verifies the sender
// always gets 200; apply failures are logged. Users missed that way are still
// provisioned by ResolveCaller on their next request.
func (h *IdentityWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.logger.Error("identity webhook secret not configured")
		respond.Internal(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	if err := VerifySignature(h.secret, r.Header, body, h.now()); err != nil {
		h.logger.Warn("identity webhook rejected", "error", err)
		respond.Error(w, http.StatusBadRequest, "verification_failed", "invalid webhook signature")
		return
	}

	var evt IdentityEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		respond.BadRequest(w, "invalid JSON payload")
		return
	}
	evt.ID = r.Header.Get("svix-id")
	if evt.Data.ID == "" {
		respond.BadRequest(w, "event data.id is required")
		return
	}

	if err := h.service.ApplyIdentityEvent(r.Context(), evt); err != nil {
		h.logger.Error("identity event failed", "error", err, "event_id", evt.ID, "type", evt.Type)
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
