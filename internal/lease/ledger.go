package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

// SignRequest is one signing action from the contract-signing UI.
type SignRequest struct {
	ContractID string
	SignerID   string
	Role       models.SignerRole
	Payload    []byte

	// IdempotencyKey lets a client retry the same sign request safely.
	IdempotencyKey string
}

// SignResult is the contract state after a signature.
type SignResult struct {
	Status          models.ContractStatus
	IsFullyExecuted bool

	// Replayed is true when the request repeated an already recorded
	// signature by idempotency key; nothing was written.
	Replayed bool
}

// RecordSignature records a signature and advances the contract. The call
// whose signature completes the contract emits ContractFullyExecuted; no
// other call does, however the two signers interleave.
func (m *Manager) RecordSignature(ctx context.Context, req SignRequest) (SignResult, error) {
	if !req.Role.Valid() {
		return SignResult{}, fmt.Errorf("%w: role %q", ErrInvalidInput, req.Role)
	}
	if req.ContractID == "" || req.SignerID == "" {
		return SignResult{}, fmt.Errorf("%w: contract and signer are required", ErrInvalidInput)
	}

	contract, err := m.getContract(ctx, req.ContractID)
	if err != nil {
		return SignResult{}, err
	}
	if contract.PartyFor(req.Role) != req.SignerID {
		m.metrics.Signature("rejected")
		return SignResult{}, fmt.Errorf("%w: %s is not the %s of contract %s", ErrSignerMismatch, req.SignerID, req.Role, req.ContractID)
	}

	sig := &models.Signature{
		ContractID:     req.ContractID,
		SignerID:       req.SignerID,
		Role:           req.Role,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		SignedAt:       m.clock(),
	}
	res, err := m.store.RecordSignature(ctx, sig)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return SignResult{}, fmt.Errorf("%w: %s", ErrUnknownContract, req.ContractID)
	case errors.Is(err, storage.ErrConflict):
		return m.replayOrReject(ctx, req)
	case err != nil:
		return SignResult{}, fmt.Errorf("failed to record signature: %w", err)
	}

	m.metrics.Signature("recorded")
	slog.Info("Signature recorded", "contract_id", req.ContractID, "role", req.Role, "status", res.Status)

	if res.Executed {
		m.metrics.Executed()
		slog.Info("Contract fully executed", "contract_id", req.ContractID)
		m.emit(ctx, events.ContractFullyExecuted{
			ContractID: contract.ID,
			PropertyID: contract.PropertyID,
			TenantID:   contract.TenantID,
			LandlordID: contract.LandlordID,
			ExecutedAt: sig.SignedAt,
		})
	}

	return SignResult{
		Status:          res.Status,
		IsFullyExecuted: res.Status == models.ContractFullyExecuted,
	}, nil
}

// replayOrReject resolves a signature conflict. A retry of the stored request
// (same idempotency key) gets the current state back; anything else is a
// duplicate.
func (m *Manager) replayOrReject(ctx context.Context, req SignRequest) (SignResult, error) {
	if req.IdempotencyKey != "" {
		existing, err := m.store.GetSignature(ctx, req.ContractID, req.Role)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return SignResult{}, fmt.Errorf("failed to load signature: %w", err)
		}
		if existing != nil && existing.IdempotencyKey == req.IdempotencyKey && existing.SignerID == req.SignerID {
			contract, err := m.getContract(ctx, req.ContractID)
			if err != nil {
				return SignResult{}, err
			}
			m.metrics.Signature("replayed")
			return SignResult{
				Status:          contract.Status,
				IsFullyExecuted: contract.Status == models.ContractFullyExecuted,
				Replayed:        true,
			}, nil
		}
	}
	m.metrics.Signature("duplicate")
	return SignResult{}, fmt.Errorf("%w: %s already signed contract %s", ErrDuplicateSignature, req.Role, req.ContractID)
}

// DraftRequest describes the contract created when an application is approved.
type DraftRequest struct {
	PropertyID  string
	TenantID    string
	LandlordID  string
	MonthlyRent int64
	Currency    string
	Region      string
	LeaseStart  time.Time
	LeaseEnd    time.Time
}

func (r DraftRequest) validate() error {
	switch {
	case r.PropertyID == "" || r.TenantID == "" || r.LandlordID == "":
		return fmt.Errorf("%w: property, tenant and landlord are required", ErrInvalidInput)
	case r.TenantID == r.LandlordID:
		return fmt.Errorf("%w: tenant and landlord must differ", ErrInvalidInput)
	case r.MonthlyRent <= 0:
		return fmt.Errorf("%w: monthly rent must be positive", ErrInvalidInput)
	case len(r.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
	case r.LeaseStart.IsZero():
		return fmt.Errorf("%w: lease start is required", ErrInvalidInput)
	case !r.LeaseEnd.IsZero() && !r.LeaseEnd.After(r.LeaseStart):
		return fmt.Errorf("%w: lease end must be after lease start", ErrInvalidInput)
	}
	return nil
}

// DraftContract creates a contract in draft status.
func (m *Manager) DraftContract(ctx context.Context, req DraftRequest) (*models.Contract, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return m.createContract(ctx, req, "")
}

// RenewalTerms overrides the terms of a renewed contract. Zero fields are
// carried over: rent and currency from the old contract, the start from its end.
type RenewalTerms struct {
	MonthlyRent int64
	LeaseStart  time.Time
	LeaseEnd    time.Time
}

// RenewContract drafts a contract superseding an executed one. The old
// contract is left untouched.
func (m *Manager) RenewContract(ctx context.Context, contractID string, terms RenewalTerms) (*models.Contract, error) {
	prev, err := m.getContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.ContractFullyExecuted {
		return nil, fmt.Errorf("%w: contract %s is %s, only executed contracts renew", ErrInvalidTransition, contractID, prev.Status)
	}

	req := DraftRequest{
		PropertyID:  prev.PropertyID,
		TenantID:    prev.TenantID,
		LandlordID:  prev.LandlordID,
		MonthlyRent: prev.MonthlyRent,
		Currency:    prev.Currency,
		Region:      prev.Region,
		LeaseStart:  prev.LeaseEnd,
		LeaseEnd:    terms.LeaseEnd,
	}
	if terms.MonthlyRent > 0 {
		req.MonthlyRent = terms.MonthlyRent
	}
	if !terms.LeaseStart.IsZero() {
		req.LeaseStart = terms.LeaseStart
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return m.createContract(ctx, req, prev.ID)
}

func (m *Manager) createContract(ctx context.Context, req DraftRequest, supersedes string) (*models.Contract, error) {
	now := m.clock()
	contract := &models.Contract{
		PropertyID:   req.PropertyID,
		TenantID:     req.TenantID,
		LandlordID:   req.LandlordID,
		MonthlyRent:  req.MonthlyRent,
		Currency:     strings.ToLower(req.Currency),
		Region:       strings.ToLower(req.Region),
		LeaseStart:   req.LeaseStart.UTC(),
		LeaseEnd:     req.LeaseEnd.UTC(),
		Status:       models.ContractDraft,
		SupersedesID: supersedes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}
	slog.Info("Contract drafted", "contract_id", contract.ID, "property_id", contract.PropertyID, "supersedes", supersedes)
	return contract, nil
}

// GetContract returns a contract by ID.
func (m *Manager) GetContract(ctx context.Context, contractID string) (*models.Contract, error) {
	return m.getContract(ctx, contractID)
}

// ListSignatures returns the signatures of a contract.
func (m *Manager) ListSignatures(ctx context.Context, contractID string) ([]*models.Signature, error) {
	if _, err := m.getContract(ctx, contractID); err != nil {
		return nil, err
	}
	sigs, err := m.store.ListSignatures(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	return sigs, nil
}

func (m *Manager) getContract(ctx context.Context, contractID string) (*models.Contract, error) {
	contract, err := m.store.GetContract(ctx, contractID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contractID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return contract, nil
}
