package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/mmynk/leasewise/internal/lease"
	"github.com/mmynk/leasewise/internal/middleware"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
)

var errNotAParty = errors.New("caller is not a party to this lease")

// LeaseService implements the Connect LeaseService on top of the lease manager.
type LeaseService struct {
	manager *lease.Manager
}

// NewLeaseService creates a LeaseService.
func NewLeaseService(manager *lease.Manager) *LeaseService {
	return &LeaseService{manager: manager}
}

// connectError maps lease and processor errors to Connect codes.
func connectError(err error) error {
	switch {
	case errors.Is(err, lease.ErrUnknownContract), errors.Is(err, lease.ErrUnknownSubscription):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, lease.ErrDuplicateSignature), errors.Is(err, lease.ErrAlreadySubscribed):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, lease.ErrInvalidTransition):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, lease.ErrInvalidInput), errors.Is(err, lease.ErrSignerMismatch):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, errNotAParty):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, processor.ErrUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// authorize checks that an authenticated caller is the tenant or landlord.
// Without authentication (no JWT secret configured) every caller passes.
func authorize(ctx context.Context, tenantID, landlordID string) error {
	userID := middleware.GetUserID(ctx)
	if userID == "" || userID == tenantID || userID == landlordID {
		return nil
	}
	return errNotAParty
}

// DraftContract creates a draft contract for an approved application.
func (s *LeaseService) DraftContract(ctx context.Context, req *connect.Request[DraftContractRequest]) (*connect.Response[DraftContractResponse], error) {
	slog.Info("DraftContract request received",
		"property_id", req.Msg.PropertyID,
		"tenant_id", req.Msg.TenantID,
		"landlord_id", req.Msg.LandlordID,
	)

	// The landlord drafts the lease for an approved application.
	if userID := middleware.GetUserID(ctx); userID != "" && userID != req.Msg.LandlordID {
		return nil, connectError(fmt.Errorf("%w: only the landlord can draft a contract", errNotAParty))
	}

	contract, err := s.manager.DraftContract(ctx, lease.DraftRequest{
		PropertyID:  req.Msg.PropertyID,
		TenantID:    req.Msg.TenantID,
		LandlordID:  req.Msg.LandlordID,
		MonthlyRent: req.Msg.MonthlyRent,
		Currency:    req.Msg.Currency,
		Region:      req.Msg.Region,
		LeaseStart:  req.Msg.LeaseStart,
		LeaseEnd:    req.Msg.LeaseEnd,
	})
	if err != nil {
		return nil, connectError(err)
	}

	slog.Info("Contract drafted", "contract_id", contract.ID)
	return connect.NewResponse(&DraftContractResponse{Contract: toContract(contract)}), nil
}

// RenewContract drafts a contract that supersedes an executed one.
func (s *LeaseService) RenewContract(ctx context.Context, req *connect.Request[RenewContractRequest]) (*connect.Response[RenewContractResponse], error) {
	prev, err := s.manager.GetContract(ctx, req.Msg.ContractID)
	if err != nil {
		return nil, connectError(err)
	}
	if err := authorize(ctx, prev.TenantID, prev.LandlordID); err != nil {
		return nil, connectError(err)
	}

	contract, err := s.manager.RenewContract(ctx, req.Msg.ContractID, lease.RenewalTerms{
		MonthlyRent: req.Msg.MonthlyRent,
		LeaseStart:  req.Msg.LeaseStart,
		LeaseEnd:    req.Msg.LeaseEnd,
	})
	if err != nil {
		return nil, connectError(err)
	}

	slog.Info("Contract renewed", "contract_id", contract.ID, "supersedes_id", prev.ID)
	return connect.NewResponse(&RenewContractResponse{Contract: toContract(contract)}), nil
}

// GetContract returns a contract with its signatures.
func (s *LeaseService) GetContract(ctx context.Context, req *connect.Request[GetContractRequest]) (*connect.Response[GetContractResponse], error) {
	contract, err := s.manager.GetContract(ctx, req.Msg.ContractID)
	if err != nil {
		return nil, connectError(err)
	}
	if err := authorize(ctx, contract.TenantID, contract.LandlordID); err != nil {
		return nil, connectError(err)
	}

	sigs, err := s.manager.ListSignatures(ctx, contract.ID)
	if err != nil {
		return nil, connectError(err)
	}
	out := make([]*Signature, len(sigs))
	for i, sig := range sigs {
		out[i] = &Signature{ID: sig.ID, SignerID: sig.SignerID, Role: string(sig.Role), SignedAt: sig.SignedAt}
	}

	return connect.NewResponse(&GetContractResponse{
		Contract:   toContract(contract),
		Signatures: out,
	}), nil
}

// RecordSignature signs a contract on behalf of the caller.
func (s *LeaseService) RecordSignature(ctx context.Context, req *connect.Request[RecordSignatureRequest]) (*connect.Response[RecordSignatureResponse], error) {
	signerID := req.Msg.SignerID
	if userID := middleware.GetUserID(ctx); userID != "" {
		if signerID != "" && signerID != userID {
			return nil, connect.NewError(connect.CodePermissionDenied, fmt.Errorf("cannot sign as %s", signerID))
		}
		signerID = userID
	}

	slog.Info("RecordSignature request received",
		"contract_id", req.Msg.ContractID,
		"signer_id", signerID,
		"role", req.Msg.Role,
	)

	res, err := s.manager.RecordSignature(ctx, lease.SignRequest{
		ContractID:     req.Msg.ContractID,
		SignerID:       signerID,
		Role:           models.SignerRole(req.Msg.Role),
		Payload:        req.Msg.Payload,
		IdempotencyKey: req.Msg.IdempotencyKey,
	})
	if err != nil {
		return nil, connectError(err)
	}

	return connect.NewResponse(&RecordSignatureResponse{
		Status:          string(res.Status),
		IsFullyExecuted: res.IsFullyExecuted,
		Replayed:        res.Replayed,
	}), nil
}

// CreateSubscription starts rent billing for an executed contract.
func (s *LeaseService) CreateSubscription(ctx context.Context, req *connect.Request[CreateSubscriptionRequest]) (*connect.Response[CreateSubscriptionResponse], error) {
	slog.Info("CreateSubscription request received", "contract_id", req.Msg.ContractID)

	sub, err := s.manager.CreateSubscription(ctx, req.Msg.ContractID)
	if err != nil {
		return nil, connectError(err)
	}

	slog.Info("Subscription created", "subscription_id", sub.ID, "status", sub.Status)
	return connect.NewResponse(&CreateSubscriptionResponse{Subscription: toSubscription(sub)}), nil
}

// GetSubscription returns a subscription by ID or by contract.
func (s *LeaseService) GetSubscription(ctx context.Context, req *connect.Request[GetSubscriptionRequest]) (*connect.Response[GetSubscriptionResponse], error) {
	var (
		sub *models.Subscription
		err error
	)
	switch {
	case req.Msg.SubscriptionID != "":
		sub, err = s.manager.GetSubscription(ctx, req.Msg.SubscriptionID)
	case req.Msg.ContractID != "":
		sub, err = s.manager.GetSubscriptionByContract(ctx, req.Msg.ContractID)
	default:
		err = fmt.Errorf("%w: subscription_id or contract_id is required", lease.ErrInvalidInput)
	}
	if err != nil {
		return nil, connectError(err)
	}
	if err := authorize(ctx, sub.TenantID, sub.LandlordID); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&GetSubscriptionResponse{Subscription: toSubscription(sub)}), nil
}

// ownedSubscription loads a subscription the caller may act on.
func (s *LeaseService) ownedSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := s.manager.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	return authorize(ctx, sub.TenantID, sub.LandlordID)
}

// PauseSubscription pauses collection, optionally until ResumeAt.
func (s *LeaseService) PauseSubscription(ctx context.Context, req *connect.Request[PauseSubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	if err := s.ownedSubscription(ctx, req.Msg.SubscriptionID); err != nil {
		return nil, connectError(err)
	}
	sub, err := s.manager.PauseSubscription(ctx, req.Msg.SubscriptionID, req.Msg.ResumeAt)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&SubscriptionResponse{Subscription: toSubscription(sub)}), nil
}

// ResumeSubscription resumes a paused subscription.
func (s *LeaseService) ResumeSubscription(ctx context.Context, req *connect.Request[ResumeSubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	if err := s.ownedSubscription(ctx, req.Msg.SubscriptionID); err != nil {
		return nil, connectError(err)
	}
	sub, err := s.manager.ResumeSubscription(ctx, req.Msg.SubscriptionID)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&SubscriptionResponse{Subscription: toSubscription(sub)}), nil
}

// CancelSubscription cancels now or at the end of the current period.
func (s *LeaseService) CancelSubscription(ctx context.Context, req *connect.Request[CancelSubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	if err := s.ownedSubscription(ctx, req.Msg.SubscriptionID); err != nil {
		return nil, connectError(err)
	}

	slog.Info("CancelSubscription request received",
		"subscription_id", req.Msg.SubscriptionID,
		"at_period_end", req.Msg.AtPeriodEnd,
	)

	sub, err := s.manager.CancelSubscription(ctx, req.Msg.SubscriptionID, req.Msg.AtPeriodEnd)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&SubscriptionResponse{Subscription: toSubscription(sub)}), nil
}

// ListPaymentAttempts returns the charge history of a subscription.
func (s *LeaseService) ListPaymentAttempts(ctx context.Context, req *connect.Request[ListPaymentAttemptsRequest]) (*connect.Response[ListPaymentAttemptsResponse], error) {
	if err := s.ownedSubscription(ctx, req.Msg.SubscriptionID); err != nil {
		return nil, connectError(err)
	}
	attempts, err := s.manager.ListPaymentAttempts(ctx, req.Msg.SubscriptionID)
	if err != nil {
		return nil, connectError(err)
	}

	out := make([]*PaymentAttempt, len(attempts))
	for i, a := range attempts {
		out[i] = &PaymentAttempt{
			InvoiceID:     a.InvoiceID,
			AttemptNumber: a.AttemptNumber,
			Amount:        a.Amount,
			Outcome:       string(a.Outcome),
			Source:        string(a.Source),
			FailureReason: a.FailureReason,
			LateFee:       a.LateFee,
			RecordedAt:    a.RecordedAt,
		}
	}
	return connect.NewResponse(&ListPaymentAttemptsResponse{Attempts: out}), nil
}
