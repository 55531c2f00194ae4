package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// LeaseServiceName is the fully-qualified name of the lease service.
const LeaseServiceName = "leasewise.v1.LeaseService"

// Procedure paths, as mounted by NewLeaseServiceHandler.
const (
	DraftContractProcedure       = "/" + LeaseServiceName + "/DraftContract"
	RenewContractProcedure       = "/" + LeaseServiceName + "/RenewContract"
	GetContractProcedure         = "/" + LeaseServiceName + "/GetContract"
	RecordSignatureProcedure     = "/" + LeaseServiceName + "/RecordSignature"
	CreateSubscriptionProcedure  = "/" + LeaseServiceName + "/CreateSubscription"
	GetSubscriptionProcedure     = "/" + LeaseServiceName + "/GetSubscription"
	PauseSubscriptionProcedure   = "/" + LeaseServiceName + "/PauseSubscription"
	ResumeSubscriptionProcedure  = "/" + LeaseServiceName + "/ResumeSubscription"
	CancelSubscriptionProcedure  = "/" + LeaseServiceName + "/CancelSubscription"
	ListPaymentAttemptsProcedure = "/" + LeaseServiceName + "/ListPaymentAttempts"
)

// JSONCodec encodes messages with encoding/json. Messages are plain Go
// structs, so it replaces Connect's protobuf JSON codec under the same name.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (JSONCodec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }

// NewLeaseServiceHandler builds an HTTP handler serving every lease RPC and
// returns the path to mount it on.
func NewLeaseServiceHandler(svc *LeaseService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(DraftContractProcedure, connect.NewUnaryHandler(DraftContractProcedure, svc.DraftContract, opts...))
	mux.Handle(RenewContractProcedure, connect.NewUnaryHandler(RenewContractProcedure, svc.RenewContract, opts...))
	mux.Handle(GetContractProcedure, connect.NewUnaryHandler(GetContractProcedure, svc.GetContract, opts...))
	mux.Handle(RecordSignatureProcedure, connect.NewUnaryHandler(RecordSignatureProcedure, svc.RecordSignature, opts...))
	mux.Handle(CreateSubscriptionProcedure, connect.NewUnaryHandler(CreateSubscriptionProcedure, svc.CreateSubscription, opts...))
	mux.Handle(GetSubscriptionProcedure, connect.NewUnaryHandler(GetSubscriptionProcedure, svc.GetSubscription, opts...))
	mux.Handle(PauseSubscriptionProcedure, connect.NewUnaryHandler(PauseSubscriptionProcedure, svc.PauseSubscription, opts...))
	mux.Handle(ResumeSubscriptionProcedure, connect.NewUnaryHandler(ResumeSubscriptionProcedure, svc.ResumeSubscription, opts...))
	mux.Handle(CancelSubscriptionProcedure, connect.NewUnaryHandler(CancelSubscriptionProcedure, svc.CancelSubscription, opts...))
	mux.Handle(ListPaymentAttemptsProcedure, connect.NewUnaryHandler(ListPaymentAttemptsProcedure, svc.ListPaymentAttempts, opts...))

	return "/" + LeaseServiceName + "/", mux
}

// LeaseServiceClient calls the lease service over Connect.
type LeaseServiceClient struct {
	draftContract       *connect.Client[DraftContractRequest, DraftContractResponse]
	renewContract       *connect.Client[RenewContractRequest, RenewContractResponse]
	getContract         *connect.Client[GetContractRequest, GetContractResponse]
	recordSignature     *connect.Client[RecordSignatureRequest, RecordSignatureResponse]
	createSubscription  *connect.Client[CreateSubscriptionRequest, CreateSubscriptionResponse]
	getSubscription     *connect.Client[GetSubscriptionRequest, GetSubscriptionResponse]
	pauseSubscription   *connect.Client[PauseSubscriptionRequest, SubscriptionResponse]
	resumeSubscription  *connect.Client[ResumeSubscriptionRequest, SubscriptionResponse]
	cancelSubscription  *connect.Client[CancelSubscriptionRequest, SubscriptionResponse]
	listPaymentAttempts *connect.Client[ListPaymentAttemptsRequest, ListPaymentAttemptsResponse]
}

// NewLeaseServiceClient creates a client for the service at baseURL.
func NewLeaseServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *LeaseServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	return &LeaseServiceClient{
		draftContract:       connect.NewClient[DraftContractRequest, DraftContractResponse](httpClient, baseURL+DraftContractProcedure, opts...),
		renewContract:       connect.NewClient[RenewContractRequest, RenewContractResponse](httpClient, baseURL+RenewContractProcedure, opts...),
		getContract:         connect.NewClient[GetContractRequest, GetContractResponse](httpClient, baseURL+GetContractProcedure, opts...),
		recordSignature:     connect.NewClient[RecordSignatureRequest, RecordSignatureResponse](httpClient, baseURL+RecordSignatureProcedure, opts...),
		createSubscription:  connect.NewClient[CreateSubscriptionRequest, CreateSubscriptionResponse](httpClient, baseURL+CreateSubscriptionProcedure, opts...),
		getSubscription:     connect.NewClient[GetSubscriptionRequest, GetSubscriptionResponse](httpClient, baseURL+GetSubscriptionProcedure, opts...),
		pauseSubscription:   connect.NewClient[PauseSubscriptionRequest, SubscriptionResponse](httpClient, baseURL+PauseSubscriptionProcedure, opts...),
		resumeSubscription:  connect.NewClient[ResumeSubscriptionRequest, SubscriptionResponse](httpClient, baseURL+ResumeSubscriptionProcedure, opts...),
		cancelSubscription:  connect.NewClient[CancelSubscriptionRequest, SubscriptionResponse](httpClient, baseURL+CancelSubscriptionProcedure, opts...),
		listPaymentAttempts: connect.NewClient[ListPaymentAttemptsRequest, ListPaymentAttemptsResponse](httpClient, baseURL+ListPaymentAttemptsProcedure, opts...),
	}
}

func (c *LeaseServiceClient) DraftContract(ctx context.Context, req *connect.Request[DraftContractRequest]) (*connect.Response[DraftContractResponse], error) {
	return c.draftContract.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) RenewContract(ctx context.Context, req *connect.Request[RenewContractRequest]) (*connect.Response[RenewContractResponse], error) {
	return c.renewContract.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) GetContract(ctx context.Context, req *connect.Request[GetContractRequest]) (*connect.Response[GetContractResponse], error) {
	return c.getContract.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) RecordSignature(ctx context.Context, req *connect.Request[RecordSignatureRequest]) (*connect.Response[RecordSignatureResponse], error) {
	return c.recordSignature.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) CreateSubscription(ctx context.Context, req *connect.Request[CreateSubscriptionRequest]) (*connect.Response[CreateSubscriptionResponse], error) {
	return c.createSubscription.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) GetSubscription(ctx context.Context, req *connect.Request[GetSubscriptionRequest]) (*connect.Response[GetSubscriptionResponse], error) {
	return c.getSubscription.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) PauseSubscription(ctx context.Context, req *connect.Request[PauseSubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	return c.pauseSubscription.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) ResumeSubscription(ctx context.Context, req *connect.Request[ResumeSubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	return c.resumeSubscription.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) CancelSubscription(ctx context.Context, req *connect.Request[CancelSubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	return c.cancelSubscription.CallUnary(ctx, req)
}

func (c *LeaseServiceClient) ListPaymentAttempts(ctx context.Context, req *connect.Request[ListPaymentAttemptsRequest]) (*connect.Response[ListPaymentAttemptsResponse], error) {
	return c.listPaymentAttempts.CallUnary(ctx, req)
}
