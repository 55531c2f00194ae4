package models

import "time"

// PaymentOutcome is the result of a single charge attempt.
type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
)

// PaymentSource says who made a charge attempt.
type PaymentSource string

const (
	// SourceProcessor is a charge the processor made on its own schedule.
	SourceProcessor PaymentSource = "processor"
	// SourceRetry is a re-charge made by the failure handler.
	SourceRetry PaymentSource = "retry"
)

// PaymentAttempt is one charge attempt against an invoice. Attempts
// accumulate per invoice and are immutable once recorded.
type PaymentAttempt struct {
	ID             string
	SubscriptionID string
	InvoiceID      string

	// AttemptNumber counts attempts on the invoice, starting at 1.
	AttemptNumber int

	Amount  int64
	Outcome PaymentOutcome
	Source  PaymentSource

	// FailureReason is the processor's decline message for failed attempts.
	FailureReason string

	// LateFee is the fee that stood against the invoice when this attempt ran.
	LateFee int64

	RecordedAt time.Time
}

// LateFee is the one late fee allowed per invoice. The row exists from the
// moment the fee is reserved; ExternalItemID is filled once the processor
// has the line item.
type LateFee struct {
	InvoiceID      string
	SubscriptionID string
	Amount         int64
	DaysLate       int
	ExternalItemID string
	AppliedAt      time.Time
}
