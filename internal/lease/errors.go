package lease

import "errors"

var (
	ErrUnknownContract     = errors.New("unknown contract")
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrDuplicateSignature is returned when the role already signed.
	ErrDuplicateSignature = errors.New("duplicate signature")

	// ErrAlreadySubscribed is returned when the contract has an open subscription.
	ErrAlreadySubscribed = errors.New("contract already has a subscription")

	// ErrInvalidTransition is returned when the requested state change is not
	// reachable from the persisted state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSignerMismatch is returned when the signer is not the contract party
	// for the role being signed.
	ErrSignerMismatch = errors.New("signer is not the party for this role")

	ErrInvalidInput = errors.New("invalid input")

	// ErrEventInProgress is returned when another handler holds a fresh
	// claim on the same processor event.
	ErrEventInProgress = errors.New("event is being processed")
)
