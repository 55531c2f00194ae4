// Package events defines the lifecycle events emitted by the lease core and
// the bus that fans them out to sinks.
//
// Event is a closed set: only the four variants in this file implement it,
// so consumers can switch over them exhaustively.
package events

import "time"

// Kind names an event variant. It doubles as the default topic name.
type Kind string

const (
	KindContractFullyExecuted Kind = "contract.fully_executed"
	KindSubscriptionCreated   Kind = "subscription.created"
	KindPaymentOutcome        Kind = "payment.outcome"
	KindPaymentExhausted      Kind = "payment.exhausted"
)

// Kinds lists every variant kind.
var Kinds = []Kind{KindContractFullyExecuted, KindSubscriptionCreated, KindPaymentOutcome, KindPaymentExhausted}

// Event is one of ContractFullyExecuted, SubscriptionCreated, PaymentOutcome
// or PaymentExhausted.
type Event interface {
	Kind() Kind

	// Key is the partition key; events of one aggregate share it.
	Key() string

	sealed()
}

// ContractFullyExecuted is emitted exactly once per contract, by the
// signature that completed it.
type ContractFullyExecuted struct {
	ContractID string    `json:"contract_id"`
	PropertyID string    `json:"property_id"`
	TenantID   string    `json:"tenant_id"`
	LandlordID string    `json:"landlord_id"`
	ExecutedAt time.Time `json:"executed_at"`
}

// SubscriptionCreated is emitted when a subscription reaches the processor.
type SubscriptionCreated struct {
	SubscriptionID string    `json:"subscription_id"`
	ContractID     string    `json:"contract_id"`
	TenantID       string    `json:"tenant_id"`
	LandlordID     string    `json:"landlord_id"`
	MonthlyAmount  int64     `json:"monthly_amount"`
	Currency       string    `json:"currency"`
	TrialDays      int64     `json:"trial_days"`
	NextPaymentDue time.Time `json:"next_payment_due"`
}

// PaymentOutcome reports one charge attempt of an invoice.
type PaymentOutcome struct {
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	TenantID       string    `json:"tenant_id"`
	LandlordID     string    `json:"landlord_id"`
	Success        bool      `json:"success"`
	Amount         int64     `json:"amount"`
	LateFee        int64     `json:"late_fee"`
	Currency       string    `json:"currency"`
	AttemptNumber  int       `json:"attempt_number"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// PaymentExhausted replaces PaymentOutcome when no retry is left for an invoice.
type PaymentExhausted struct {
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	TenantID       string    `json:"tenant_id"`
	LandlordID     string    `json:"landlord_id"`
	Attempts       int       `json:"attempts"`
	LateFee        int64     `json:"late_fee"`
	Currency       string    `json:"currency"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (ContractFullyExecuted) Kind() Kind { return KindContractFullyExecuted }
func (SubscriptionCreated) Kind() Kind   { return KindSubscriptionCreated }
func (PaymentOutcome) Kind() Kind        { return KindPaymentOutcome }
func (PaymentExhausted) Kind() Kind      { return KindPaymentExhausted }

func (e ContractFullyExecuted) Key() string { return e.ContractID }
func (e SubscriptionCreated) Key() string   { return e.SubscriptionID }
func (e PaymentOutcome) Key() string        { return e.SubscriptionID }
func (e PaymentExhausted) Key() string      { return e.SubscriptionID }

func (ContractFullyExecuted) sealed() {}
func (SubscriptionCreated) sealed()   {}
func (PaymentOutcome) sealed()        {}
func (PaymentExhausted) sealed()      {}
