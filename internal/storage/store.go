// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mmynk/leasewise/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint,
	// e.g. a second signature for the same role.
	ErrConflict = errors.New("conflict")
)

// SignatureResult is the contract state left behind by RecordSignature.
type SignatureResult struct {
	// Status is the contract status after the signature was recorded.
	Status models.ContractStatus

	// Executed is true only for the single call whose conditional update moved
	// the contract to fully_executed.
	Executed bool
}

// ContractStore persists contracts and their signatures.
type ContractStore interface {
	// CreateContract persists a new contract in draft status.
	// The contract.ID field will be populated by the store if empty.
	CreateContract(ctx context.Context, contract *models.Contract) error

	// GetContract retrieves a contract by ID.
	// Returns ErrNotFound if the contract does not exist.
	GetContract(ctx context.Context, contractID string) (*models.Contract, error)

	// RecordSignature inserts the signature and recomputes the contract
	// status in one transaction. Returns ErrNotFound for an unknown contract
	// and ErrConflict if the role has already signed.
	RecordSignature(ctx context.Context, sig *models.Signature) (SignatureResult, error)

	// GetSignature returns the signature recorded for role, or ErrNotFound.
	GetSignature(ctx context.Context, contractID string, role models.SignerRole) (*models.Signature, error)

	// ListSignatures returns all signatures of a contract in signing order.
	ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error)
}

// SubscriptionStore persists subscriptions. Every status write is a
// compare-and-set against the persisted status.
type SubscriptionStore interface {
	// ReserveSubscription inserts a subscription row in incomplete status.
	// Returns ErrConflict if the contract already has a non-canceled subscription.
	ReserveSubscription(ctx context.Context, sub *models.Subscription) error

	// DeleteReservation removes a reservation that never reached the processor.
	// Rows that carry an external ID are left alone.
	DeleteReservation(ctx context.Context, subscriptionID string) error

	// GetSubscription retrieves a subscription by ID, or ErrNotFound.
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)

	// GetSubscriptionByExternalID looks a subscription up by processor ID, or ErrNotFound.
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)

	// GetOpenSubscriptionByContract returns the non-canceled subscription of a
	// contract, or ErrNotFound.
	GetOpenSubscriptionByContract(ctx context.Context, contractID string) (*models.Subscription, error)

	// TransitionSubscription moves the subscription to status `to` and applies
	// patch, but only if its persisted status is one of `from`. now stamps
	// updated_at. Returns false when no row matched.
	TransitionSubscription(ctx context.Context, subscriptionID string, from []models.SubscriptionStatus, to models.SubscriptionStatus, patch models.SubscriptionPatch, now time.Time) (bool, error)

	// MarkCancelAtPeriodEnd sets the deferred-cancel flag on a non-canceled
	// subscription that does not have it yet. Returns false when no row matched.
	MarkCancelAtPeriodEnd(ctx context.Context, subscriptionID string, now time.Time) (bool, error)

	// ListDueCancellations returns subscriptions flagged to cancel whose
	// current period ended at or before now.
	ListDueCancellations(ctx context.Context, now time.Time) ([]*models.Subscription, error)

	// ListDueResumptions returns paused subscriptions whose resume time has passed.
	ListDueResumptions(ctx context.Context, now time.Time) ([]*models.Subscription, error)
}

// PaymentStore persists charge attempts and late fees.
type PaymentStore interface {
	// RecordPaymentAttempt inserts an attempt. Returns false without error if
	// the (invoice, attempt number) pair was already recorded.
	RecordPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) (bool, error)

	// ListPaymentAttempts returns the attempts of a subscription, oldest first.
	ListPaymentAttempts(ctx context.Context, subscriptionID string) ([]*models.PaymentAttempt, error)

	// GetPaymentAttempt returns attempt attemptNumber of an invoice, or ErrNotFound.
	GetPaymentAttempt(ctx context.Context, invoiceID string, attemptNumber int) (*models.PaymentAttempt, error)

	// ClaimExhaustion records that an invoice ran out of retries. Returns
	// false without error if it was recorded before.
	ClaimExhaustion(ctx context.Context, invoiceID, subscriptionID string, attempts int, now time.Time) (bool, error)

	// ReserveLateFee inserts the late fee row for an invoice. Returns false
	// without error if the invoice already has one.
	ReserveLateFee(ctx context.Context, fee *models.LateFee) (bool, error)

	// MarkLateFeeApplied records the processor line item of a reserved fee.
	MarkLateFeeApplied(ctx context.Context, invoiceID, externalItemID string) error

	// ReleaseLateFee deletes a reserved fee that never reached the processor.
	ReleaseLateFee(ctx context.Context, invoiceID string) error

	// GetLateFee returns the late fee of an invoice, or ErrNotFound.
	GetLateFee(ctx context.Context, invoiceID string) (*models.LateFee, error)
}

// ClaimState is the outcome of claiming a processor event.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the event and must complete or
	// release it.
	ClaimAcquired ClaimState = iota

	// ClaimInProgress means another handler holds a live claim.
	ClaimInProgress

	// ClaimDone means the event was processed before.
	ClaimDone
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimInProgress:
		return "in_progress"
	case ClaimDone:
		return "done"
	}
	return "unknown"
}

// EventStore records processor events (idempotency keys). A claim is
// processing until it is completed or released.
type EventStore interface {
	// ClaimEvent claims eventID for processing. A claim still processing
	// since at or before staleBefore belonged to a handler that died, and is
	// taken over.
	ClaimEvent(ctx context.Context, eventID, eventType string, now, staleBefore time.Time) (ClaimState, error)

	// CompleteEvent marks a claimed event as processed for good.
	CompleteEvent(ctx context.Context, eventID string, now time.Time) error

	// ReleaseEvent forgets an unfinished claim so a redelivery can be
	// processed again.
	ReleaseEvent(ctx context.Context, eventID string) error
}

// Store defines the interface for lease storage operations.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL)
// without changing the lease layer.
type Store interface {
	ContractStore
	SubscriptionStore
	PaymentStore
	EventStore

	// Close releases any resources held by the store.
	Close() error
}
