package service

import (
	"time"

	"github.com/mmynk/leasewise/internal/models"
)

// Contract is the wire form of a lease contract.
type Contract struct {
	ID           string    `json:"id"`
	PropertyID   string    `json:"property_id"`
	TenantID     string    `json:"tenant_id"`
	LandlordID   string    `json:"landlord_id"`
	MonthlyRent  int64     `json:"monthly_rent"`
	Currency     string    `json:"currency"`
	Region       string    `json:"region,omitempty"`
	LeaseStart   time.Time `json:"lease_start"`
	LeaseEnd     time.Time `json:"lease_end"`
	Status       string    `json:"status"`
	SupersedesID string    `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Signature is the wire form of a recorded signature. The payload is not echoed.
type Signature struct {
	ID       string    `json:"id"`
	SignerID string    `json:"signer_id"`
	Role     string    `json:"role"`
	SignedAt time.Time `json:"signed_at"`
}

// Subscription is the wire form of a rent subscription.
type Subscription struct {
	ID                 string     `json:"id"`
	ContractID         string     `json:"contract_id"`
	TenantID           string     `json:"tenant_id"`
	LandlordID         string     `json:"landlord_id"`
	ExternalID         string     `json:"external_id,omitempty"`
	Status             string     `json:"status"`
	MonthlyAmount      int64      `json:"monthly_amount"`
	Currency           string     `json:"currency"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	NextPaymentDue     time.Time  `json:"next_payment_due"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	PauseResumesAt     *time.Time `json:"pause_resumes_at,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
}

// PaymentAttempt is the wire form of one charge attempt.
type PaymentAttempt struct {
	InvoiceID     string    `json:"invoice_id"`
	AttemptNumber int       `json:"attempt_number"`
	Amount        int64     `json:"amount"`
	Outcome       string    `json:"outcome"`
	Source        string    `json:"source"`
	FailureReason string    `json:"failure_reason,omitempty"`
	LateFee       int64     `json:"late_fee"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type DraftContractRequest struct {
	PropertyID  string    `json:"property_id"`
	TenantID    string    `json:"tenant_id"`
	LandlordID  string    `json:"landlord_id"`
	MonthlyRent int64     `json:"monthly_rent"`
	Currency    string    `json:"currency"`
	Region      string    `json:"region,omitempty"`
	LeaseStart  time.Time `json:"lease_start"`
	LeaseEnd    time.Time `json:"lease_end"`
}

type DraftContractResponse struct {
	Contract *Contract `json:"contract"`
}

type RenewContractRequest struct {
	ContractID  string    `json:"contract_id"`
	MonthlyRent int64     `json:"monthly_rent,omitempty"`
	LeaseStart  time.Time `json:"lease_start,omitempty"`
	LeaseEnd    time.Time `json:"lease_end"`
}

type RenewContractResponse struct {
	Contract *Contract `json:"contract"`
}

type GetContractRequest struct {
	ContractID string `json:"contract_id"`
}

type GetContractResponse struct {
	Contract   *Contract    `json:"contract"`
	Signatures []*Signature `json:"signatures"`
}

// RecordSignatureRequest signs a contract. SignerID may be omitted when the
// caller is authenticated; the token's user is the signer.
type RecordSignatureRequest struct {
	ContractID     string `json:"contract_id"`
	SignerID       string `json:"signer_id,omitempty"`
	Role           string `json:"role"`
	Payload        []byte `json:"payload,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type RecordSignatureResponse struct {
	Status          string `json:"status"`
	IsFullyExecuted bool   `json:"is_fully_executed"`
	Replayed        bool   `json:"replayed,omitempty"`
}

type CreateSubscriptionRequest struct {
	ContractID string `json:"contract_id"`
}

type CreateSubscriptionResponse struct {
	Subscription *Subscription `json:"subscription"`
}

// GetSubscriptionRequest looks a subscription up by ID, or by contract when
// SubscriptionID is empty.
type GetSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	ContractID     string `json:"contract_id,omitempty"`
}

type GetSubscriptionResponse struct {
	Subscription *Subscription `json:"subscription"`
}

type PauseSubscriptionRequest struct {
	SubscriptionID string     `json:"subscription_id"`
	ResumeAt       *time.Time `json:"resume_at,omitempty"`
}

type ResumeSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

type CancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
	AtPeriodEnd    bool   `json:"at_period_end"`
}

// SubscriptionResponse is returned by the pause, resume and cancel RPCs.
type SubscriptionResponse struct {
	Subscription *Subscription `json:"subscription"`
}

type ListPaymentAttemptsRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

type ListPaymentAttemptsResponse struct {
	Attempts []*PaymentAttempt `json:"attempts"`
}

func toContract(c *models.Contract) *Contract {
	return &Contract{
		ID:           c.ID,
		PropertyID:   c.PropertyID,
		TenantID:     c.TenantID,
		LandlordID:   c.LandlordID,
		MonthlyRent:  c.MonthlyRent,
		Currency:     c.Currency,
		Region:       c.Region,
		LeaseStart:   c.LeaseStart,
		LeaseEnd:     c.LeaseEnd,
		Status:       string(c.Status),
		SupersedesID: c.SupersedesID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toSubscription(s *models.Subscription) *Subscription {
	return &Subscription{
		ID:                 s.ID,
		ContractID:         s.ContractID,
		TenantID:           s.TenantID,
		LandlordID:         s.LandlordID,
		ExternalID:         s.ExternalID,
		Status:             string(s.Status),
		MonthlyAmount:      s.MonthlyAmount,
		Currency:           s.Currency,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		NextPaymentDue:     s.NextPaymentDue,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		PauseResumesAt:     s.PauseResumesAt,
		CanceledAt:         s.CanceledAt,
	}
}
