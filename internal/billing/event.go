package billing

import "time"

// Kind is the provider-neutral shape of a billing event.
type Kind string

const (
	KindCheckoutCompleted    Kind = "checkout_completed"
	KindInvoicePaid          Kind = "invoice_paid"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindSubscriptionUpdated  Kind = "subscription_updated"
)

// Event is one external billing event, keyed by (Provider, ID) for idempotency.
type Event struct {
	Provider   string
	ID         string
	Kind       Kind
	OccurredAt time.Time

	UserID                 string
	PlanID                 string
	CustomerID             string
	ExternalSubscriptionID string
	Reference              string

	PeriodStart time.Time
	PeriodEnd   time.Time
	AmountCents int64
	Currency    string

	// ProviderStatus and CancelAtPeriodEnd are set on subscription_updated.
	ProviderStatus    string
	CancelAtPeriodEnd bool
	// FirstInvoice marks the invoice raised by checkout itself, already recorded as a payment.
	FirstInvoice bool
}

// Outcome of applying an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDropped   Outcome = "dropped"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result describes what Apply did.
type Result struct {
	Outcome        Outcome
	Reason         string
	SubscriptionID string
	PaymentID      string
}
