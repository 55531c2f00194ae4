// Package processor defines the payment processor capability the lease
// lifecycle depends on. Implementations live in subpackages so the
// processor is swappable.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/mmynk/leasewise/internal/models"
)

var (
	// ErrUnavailable marks a transient failure talking to the processor
	// (network error, rate limit, 5xx). Callers may retry.
	ErrUnavailable = errors.New("payment processor unavailable")

	// ErrChargeFailed marks a declined charge. It is a business outcome, not
	// an infrastructure failure.
	ErrChargeFailed = errors.New("charge failed")

	// ErrAlreadyExists is returned when a create call collides with an
	// existing object.
	ErrAlreadyExists = errors.New("already exists at processor")

	// ErrNotFound is returned when the processor has no such object.
	ErrNotFound = errors.New("not found at processor")
)

// ChargeError is a declined charge with the processor's reason.
type ChargeError struct {
	InvoiceID string
	Reason    string
}

func (e *ChargeError) Error() string {
	return "charge for invoice " + e.InvoiceID + " failed: " + e.Reason
}

// Unwrap makes errors.Is(err, ErrChargeFailed) hold.
func (e *ChargeError) Unwrap() error {
	return ErrChargeFailed
}

// Status is a processor-side subscription status.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
	StatusCanceled          Status = "canceled"
)

// Lifecycle maps a processor status onto the lease subscription states.
// A trial is billing-active; unpaid is still past due.
func (s Status) Lifecycle() models.SubscriptionStatus {
	switch s {
	case StatusTrialing, StatusActive:
		return models.SubscriptionActive
	case StatusPastDue, StatusUnpaid:
		return models.SubscriptionPastDue
	case StatusPaused:
		return models.SubscriptionPaused
	case StatusCanceled, StatusIncompleteExpired:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionIncomplete
	}
}

// Product is a reusable recurring-charge product and its default price.
type Product struct {
	ProductID string
	PriceID   string
}

// ProductSpec describes the product created for a property.
type ProductSpec struct {
	PropertyID    string
	Name          string
	MonthlyAmount int64
	Currency      string
}

// CustomerSpec identifies the paying user.
type CustomerSpec struct {
	UserID string
	Email  string
}

// SubscriptionSpec describes a new recurring subscription.
type SubscriptionSpec struct {
	// IdempotencyKey makes a retried create return the first result.
	IdempotencyKey string

	CustomerID    string
	ProductID     string
	MonthlyAmount int64
	Currency      string

	// TrialDays delays the first charge. Zero means bill immediately.
	TrialDays int64

	// Metadata tags the processor object (contract, property, subscription IDs).
	Metadata map[string]string
}

// Subscription is the processor's view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// SubscriptionUpdate is a partial update. Exactly the non-zero fields apply.
type SubscriptionUpdate struct {
	// Pause marks collection uncollectible, until ResumesAt if set.
	Pause     bool
	ResumesAt *time.Time

	// Resume clears a pause.
	Resume bool

	CancelAtPeriodEnd *bool
}

// InvoiceItemSpec is a one-time charge added to the customer's next invoice.
type InvoiceItemSpec struct {
	IdempotencyKey string
	CustomerID     string
	SubscriptionID string
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
}

// Charge is the result of paying an invoice.
type Charge struct {
	InvoiceID  string
	AmountPaid int64
}

// Processor is the outbound payment processor capability.
type Processor interface {
	// FindProduct returns the product tagged with propertyID, or ErrNotFound.
	FindProduct(ctx context.Context, propertyID string) (Product, error)

	// CreateProduct creates the product and its monthly default price.
	CreateProduct(ctx context.Context, spec ProductSpec) (Product, error)

	// EnsureCustomer returns the customer ID of a user, creating it if needed.
	EnsureCustomer(ctx context.Context, spec CustomerSpec) (string, error)

	CreateSubscription(ctx context.Context, spec SubscriptionSpec) (Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, update SubscriptionUpdate) (Subscription, error)

	// CancelSubscription cancels immediately.
	CancelSubscription(ctx context.Context, subscriptionID string) (Subscription, error)

	// AddInvoiceItem adds a one-time charge and returns the item ID.
	AddInvoiceItem(ctx context.Context, spec InvoiceItemSpec) (string, error)

	// ChargeInvoice attempts to pay an open invoice with the stored payment
	// method. A decline is reported as a *ChargeError.
	ChargeInvoice(ctx context.Context, invoiceID string) (Charge, error)
}
