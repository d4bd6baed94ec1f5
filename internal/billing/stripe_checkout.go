package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// CheckoutParams describes a subscription checkout for one plan.
type CheckoutParams struct {
	UserID     string
	Email      string
	PlanID     string
	PlanName   string
	PriceCents int64
}

// CheckoutSession is the hosted page the client is redirected to.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeClient creates subscription Checkout Sessions and stops renewals
// through the stripe-go client.
type StripeClient struct {
	secretKey  string
	successURL string
	cancelURL  string
	currency   string
	api        *stripe.Client
	logger     *logging.Logger
}

func NewStripeClient(secretKey, successURL, cancelURL, currency string, logger *logging.Logger) *StripeClient {
	if logger == nil {
		logger = logging.Default()
	}
	if currency == "" {
		currency = "brl"
	}
	c := &StripeClient{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		currency:   strings.ToLower(currency),
		logger:     logger,
	}
	c.api = c.newAPI(stripe.APIURL)
	return c
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (c *StripeClient) WithBaseURL(baseURL string) *StripeClient {
	if baseURL != "" {
		c.api = c.newAPI(strings.TrimRight(baseURL, "/"))
	}
	return c
}

func (c *StripeClient) newAPI(baseURL string) *stripe.Client {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		HTTPClient:        &http.Client{Timeout: 10 * time.Second},
		LeveledLogger:     stripeLogger{logger: c.logger},
		MaxNetworkRetries: stripe.Int64(1),
	})
	return stripe.NewClient(c.secretKey, stripe.WithBackends(backends))
}

// CreateSubscriptionCheckout opens a monthly recurring checkout for the plan.
// user_id and plan_id travel in session and subscription metadata so every
// later webhook can be matched back to the user.
func (c *StripeClient) CreateSubscriptionCheckout(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	ctx, span := billingTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("salon.user_id", params.UserID),
		attribute.String("salon.plan_id", params.PlanID),
		attribute.Int64("salon.price_cents", params.PriceCents),
	)

	if c.secretKey == "" {
		return CheckoutSession{}, ErrCheckoutDisabled
	}
	if params.PriceCents <= 0 {
		return CheckoutSession{}, fmt.Errorf("billing: plan %s has no price", params.PlanID)
	}

	metadata := map[string]string{
		"user_id": params.UserID,
		"plan_id": params.PlanID,
	}
	req := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(params.UserID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:   stripe.String(c.currency),
				UnitAmount: stripe.Int64(params.PriceCents),
				Recurring: &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
					Interval: stripe.String("month"),
				},
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(params.PlanName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		Metadata: metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": params.UserID,
				"plan_id": params.PlanID,
			},
		},
	}
	if params.Email != "" {
		req.CustomerEmail = stripe.String(params.Email)
	}
	if c.successURL != "" {
		req.SuccessURL = stripe.String(c.successURL)
	}
	if c.cancelURL != "" {
		req.CancelURL = stripe.String(c.cancelURL)
	}

	sess, err := c.api.V1CheckoutSessions.Create(ctx, req)
	if err != nil {
		span.RecordError(err)
		return CheckoutSession{}, fmt.Errorf("billing: stripe checkout: %w", err)
	}
	if sess.URL == "" {
		return CheckoutSession{}, fmt.Errorf("billing: stripe response missing checkout url")
	}
	c.logger.Info("stripe checkout session created", "user_id", params.UserID, "plan_id", params.PlanID, "session_id", sess.ID)
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CancelAtPeriodEnd stops renewal of a Stripe subscription without revoking the current period.
func (c *StripeClient) CancelAtPeriodEnd(ctx context.Context, externalID string) error {
	if c.secretKey == "" || externalID == "" {
		return nil
	}
	_, err := c.api.V1Subscriptions.Update(ctx, externalID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("billing: stripe cancel %s: %w", externalID, err)
	}
	return nil
}

// stripeLogger routes stripe-go's leveled logging into the app logger.
type stripeLogger struct {
	logger *logging.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "source", "stripe")
}

func (l stripeLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), "source", "stripe")
}

func (l stripeLogger) Infof(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...), "source", "stripe")
}

func (l stripeLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "source", "stripe")
}
