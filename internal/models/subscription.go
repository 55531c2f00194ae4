package models

import "time"

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionPaused     SubscriptionStatus = "paused"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// subscriptionTransitions lists the legal moves out of each status.
// canceled is terminal.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionIncomplete: {SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled},
	SubscriptionActive:     {SubscriptionPastDue, SubscriptionPaused, SubscriptionCanceled},
	SubscriptionPastDue:    {SubscriptionActive, SubscriptionCanceled},
	SubscriptionPaused:     {SubscriptionActive, SubscriptionCanceled},
	SubscriptionCanceled:   nil,
}

// Valid reports whether s is a known subscription status.
func (s SubscriptionStatus) Valid() bool {
	_, ok := subscriptionTransitions[s]
	return ok
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s SubscriptionStatus) CanTransition(next SubscriptionStatus) bool {
	for _, to := range subscriptionTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCanceled
}

// SourcesOf returns every status from which target is reachable in one move.
func SourcesOf(target SubscriptionStatus) []SubscriptionStatus {
	var sources []SubscriptionStatus
	for _, from := range []SubscriptionStatus{
		SubscriptionIncomplete, SubscriptionActive, SubscriptionPastDue, SubscriptionPaused, SubscriptionCanceled,
	} {
		if from.CanTransition(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Subscription is the recurring rent billing record tied to one fully
// executed contract.
type Subscription struct {
	// ID is the unique identifier for the subscription (UUID format).
	ID string

	ContractID string
	TenantID   string
	LandlordID string
	PropertyID string

	// ExternalID and CustomerID are the processor's subscription and customer
	// identifiers. ExternalID is empty while the row is a reservation.
	ExternalID string
	CustomerID string

	// ProductID and PriceID are the processor product/price the subscription bills.
	ProductID string
	PriceID   string

	Status SubscriptionStatus

	// MonthlyAmount is the recurring charge in minor units of Currency.
	MonthlyAmount int64
	Currency      string

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	NextPaymentDue     time.Time

	// CancelAtPeriodEnd is set by a deferred cancellation; the boundary sweep
	// or the processor moves the subscription to canceled at CurrentPeriodEnd.
	CancelAtPeriodEnd bool

	// PauseResumesAt is when a paused subscription resumes on its own.
	// Nil while active, or when paused indefinitely.
	PauseResumesAt *time.Time

	CanceledAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscriptionPatch carries the columns written alongside a status change.
// Nil fields are left untouched.
type SubscriptionPatch struct {
	ExternalID         *string
	CustomerID         *string
	ProductID          *string
	PriceID            *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	NextPaymentDue     *time.Time
	CancelAtPeriodEnd  *bool

	// PauseResumesAt is written when SetPauseResumesAt is true, so that a nil
	// value can clear the column.
	SetPauseResumesAt bool
	PauseResumesAt    *time.Time

	CanceledAt *time.Time
}
