package processor

import "time"

// EventType is the processor-neutral kind of an inbound webhook.
type EventType string

const (
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
)

// Event is an inbound processor notification translated out of the
// processor's wire format.
type Event struct {
	// ID is the processor's event ID, used as the idempotency key.
	ID         string
	Type       EventType
	OccurredAt time.Time

	// SubscriptionID is the processor subscription ID.
	SubscriptionID string

	// Subscription events.
	Status             Status
	PreviousStatus     Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool

	// Invoice events.
	InvoiceID string
	Amount    int64

	// AttemptCount is the number of charge attempts the processor has made
	// on the invoice, including the one this event reports.
	AttemptCount int

	// InvoiceDueAt is when the invoice became payable; days late count from here.
	InvoiceDueAt  time.Time
	FailureReason string
}
