package billing

import (
	"context"
	"time"
)

// Reader holds the queries shared by the store and its transactions.
type Reader interface {
	PlanTerms(ctx context.Context, planID string) (PlanTerms, error)
	Subscription(ctx context.Context, id string) (Subscription, error)
	UserSubscriptions(ctx context.Context, userID string) ([]Subscription, error)
	Payments(ctx context.Context, subscriptionID string) ([]Payment, error)
	UserForCustomer(ctx context.Context, provider, customerID string) (string, error)
}

// Tx is the unit of work a reconciliation runs in.
type Tx interface {
	Reader
	// MarkEventProcessed records (provider, eventID) and reports false when it was already recorded.
	MarkEventProcessed(ctx context.Context, provider, eventID string) (bool, error)
	// LockUser serializes subscription changes per user and reports whether the user exists.
	LockUser(ctx context.Context, userID string) (bool, error)
	// SubscriptionByExternal finds a subscription by provider id in any status.
	SubscriptionByExternal(ctx context.Context, externalID string) (Subscription, error)
	LinkCustomer(ctx context.Context, provider, customerID, userID string) error
	InsertSubscription(ctx context.Context, s *Subscription) error
	UpdateSubscription(ctx context.Context, s Subscription) error
	InsertPayment(ctx context.Context, p *Payment) error
	// ExpireLapsed marks subscriptions EXPIRED once ACTIVE ones pass activeCutoff
	// and CANCELED ones pass canceledCutoff, returning the rows changed.
	ExpireLapsed(ctx context.Context, activeCutoff, canceledCutoff time.Time) ([]Subscription, error)
	AppendOutbox(ctx context.Context, aggregateID, eventType string, payload any) error
}

// Store is implemented by PGStore and MemoryStore.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
