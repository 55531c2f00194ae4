package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/leasewise/internal/auth"
	"github.com/mmynk/leasewise/internal/lease"
	"github.com/mmynk/leasewise/internal/middleware"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/processor/fake"
	"github.com/mmynk/leasewise/internal/storage/sqlite"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	client *LeaseServiceClient
	jwt    *auth.JWTManager
	proc   *fake.Processor
}

// setupTestServer serves the lease service over httptest with the real
// auth interceptor, a temp SQLite database and the in-memory processor.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := func() time.Time { return testNow }
	proc := fake.New(now)
	manager := lease.New(store, proc, lease.Config{
		Now:   now,
		Retry: &lease.RetryPolicy{MaxAttempts: 1},
	})

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	path, handler := NewLeaseServiceHandler(NewLeaseService(manager),
		connect.WithInterceptors(middleware.LoggingInterceptor(), middleware.RequireAuth(jwtManager)))

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{
		client: NewLeaseServiceClient(http.DefaultClient, server.URL),
		jwt:    jwtManager,
		proc:   proc,
	}
}

// as builds a request authenticated as userID.
func as[T any](t *testing.T, ts *testServer, userID string, msg *T) *connect.Request[T] {
	t.Helper()
	token, err := ts.jwt.Generate(&models.User{ID: userID})
	require.NoError(t, err)
	req := connect.NewRequest(msg)
	req.Header().Set("Authorization", "Bearer "+token)
	return req
}

func (ts *testServer) draft(t *testing.T) *Contract {
	t.Helper()
	resp, err := ts.client.DraftContract(context.Background(), as(t, ts, "landlord-1", &DraftContractRequest{
		PropertyID:  "prop-1",
		TenantID:    "tenant-1",
		LandlordID:  "landlord-1",
		MonthlyRent: 1000,
		Currency:    "EUR",
		LeaseStart:  testNow,
		LeaseEnd:    testNow.AddDate(1, 0, 0),
	}))
	require.NoError(t, err)
	return resp.Msg.Contract
}

func (ts *testServer) executed(t *testing.T) *Contract {
	t.Helper()
	c := ts.draft(t)
	ctx := context.Background()
	_, err := ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{ContractID: c.ID, Role: "tenant"}))
	require.NoError(t, err)
	_, err = ts.client.RecordSignature(ctx, as(t, ts, "landlord-1", &RecordSignatureRequest{ContractID: c.ID, Role: "landlord"}))
	require.NoError(t, err)
	return c
}

func TestLeaseService_Lifecycle(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	c := ts.draft(t)
	assert.Equal(t, "draft", c.Status)
	assert.Equal(t, "eur", c.Currency)

	signed, err := ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{
		ContractID:     c.ID,
		Role:           "tenant",
		Payload:        []byte("sig-blob"),
		IdempotencyKey: "sign-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "partially_signed", signed.Msg.Status)
	assert.False(t, signed.Msg.IsFullyExecuted)

	replay, err := ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{
		ContractID:     c.ID,
		Role:           "tenant",
		IdempotencyKey: "sign-1",
	}))
	require.NoError(t, err)
	assert.True(t, replay.Msg.Replayed)

	signed, err = ts.client.RecordSignature(ctx, as(t, ts, "landlord-1", &RecordSignatureRequest{ContractID: c.ID, Role: "landlord"}))
	require.NoError(t, err)
	assert.True(t, signed.Msg.IsFullyExecuted)

	got, err := ts.client.GetContract(ctx, as(t, ts, "tenant-1", &GetContractRequest{ContractID: c.ID}))
	require.NoError(t, err)
	assert.Equal(t, "fully_executed", got.Msg.Contract.Status)
	require.Len(t, got.Msg.Signatures, 2)

	created, err := ts.client.CreateSubscription(ctx, as(t, ts, "landlord-1", &CreateSubscriptionRequest{ContractID: c.ID}))
	require.NoError(t, err)
	sub := created.Msg.Subscription
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, int64(1000), sub.MonthlyAmount)

	byContract, err := ts.client.GetSubscription(ctx, as(t, ts, "tenant-1", &GetSubscriptionRequest{ContractID: c.ID}))
	require.NoError(t, err)
	assert.Equal(t, sub.ID, byContract.Msg.Subscription.ID)

	resumeAt := testNow.AddDate(0, 0, 10)
	paused, err := ts.client.PauseSubscription(ctx, as(t, ts, "landlord-1", &PauseSubscriptionRequest{SubscriptionID: sub.ID, ResumeAt: &resumeAt}))
	require.NoError(t, err)
	assert.Equal(t, "paused", paused.Msg.Subscription.Status)
	require.NotNil(t, paused.Msg.Subscription.PauseResumesAt)

	resumed, err := ts.client.ResumeSubscription(ctx, as(t, ts, "landlord-1", &ResumeSubscriptionRequest{SubscriptionID: sub.ID}))
	require.NoError(t, err)
	assert.Equal(t, "active", resumed.Msg.Subscription.Status)

	canceled, err := ts.client.CancelSubscription(ctx, as(t, ts, "tenant-1", &CancelSubscriptionRequest{SubscriptionID: sub.ID, AtPeriodEnd: true}))
	require.NoError(t, err)
	assert.True(t, canceled.Msg.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, "active", canceled.Msg.Subscription.Status)

	attempts, err := ts.client.ListPaymentAttempts(ctx, as(t, ts, "tenant-1", &ListPaymentAttemptsRequest{SubscriptionID: sub.ID}))
	require.NoError(t, err)
	assert.Empty(t, attempts.Msg.Attempts)

	renewed, err := ts.client.RenewContract(ctx, as(t, ts, "landlord-1", &RenewContractRequest{
		ContractID:  c.ID,
		MonthlyRent: 1100,
		LeaseEnd:    testNow.AddDate(2, 0, 0),
	}))
	require.NoError(t, err)
	assert.Equal(t, c.ID, renewed.Msg.Contract.SupersedesID)
	assert.Equal(t, int64(1100), renewed.Msg.Contract.MonthlyRent)
	assert.Equal(t, "draft", renewed.Msg.Contract.Status)
}

func TestLeaseService_ErrorCodes(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		_, err := ts.client.GetContract(ctx, connect.NewRequest(&GetContractRequest{ContractID: "x"}))
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	})

	t.Run("unknown contract", func(t *testing.T) {
		_, err := ts.client.GetContract(ctx, as(t, ts, "tenant-1", &GetContractRequest{ContractID: "missing"}))
		assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	})

	t.Run("invalid draft", func(t *testing.T) {
		_, err := ts.client.DraftContract(ctx, as(t, ts, "landlord-1", &DraftContractRequest{PropertyID: "p", LandlordID: "landlord-1"}))
		assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	})

	t.Run("draft by someone other than the landlord", func(t *testing.T) {
		msg := &DraftContractRequest{
			PropertyID:  "prop-9",
			TenantID:    "tenant-1",
			LandlordID:  "landlord-1",
			MonthlyRent: 1000,
			Currency:    "eur",
			LeaseStart:  testNow,
			LeaseEnd:    testNow.AddDate(1, 0, 0),
		}
		_, err := ts.client.DraftContract(ctx, as(t, ts, "stranger", msg))
		assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

		_, err = ts.client.DraftContract(ctx, as(t, ts, "tenant-1", msg))
		assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))
	})

	t.Run("duplicate signature", func(t *testing.T) {
		c := ts.draft(t)
		_, err := ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{ContractID: c.ID, Role: "tenant"}))
		require.NoError(t, err)
		_, err = ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{ContractID: c.ID, Role: "tenant"}))
		assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(err))
	})

	t.Run("signing for the other party", func(t *testing.T) {
		c := ts.draft(t)
		_, err := ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{ContractID: c.ID, Role: "landlord"}))
		assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

		_, err = ts.client.RecordSignature(ctx, as(t, ts, "tenant-1", &RecordSignatureRequest{ContractID: c.ID, SignerID: "landlord-1", Role: "landlord"}))
		assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))
	})

	t.Run("outsider", func(t *testing.T) {
		c := ts.draft(t)
		_, err := ts.client.GetContract(ctx, as(t, ts, "stranger", &GetContractRequest{ContractID: c.ID}))
		assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))
	})

	t.Run("subscription before execution", func(t *testing.T) {
		c := ts.draft(t)
		_, err := ts.client.CreateSubscription(ctx, as(t, ts, "landlord-1", &CreateSubscriptionRequest{ContractID: c.ID}))
		assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
	})

	t.Run("second subscription", func(t *testing.T) {
		c := ts.executed(t)
		_, err := ts.client.CreateSubscription(ctx, as(t, ts, "landlord-1", &CreateSubscriptionRequest{ContractID: c.ID}))
		require.NoError(t, err)
		_, err = ts.client.CreateSubscription(ctx, as(t, ts, "landlord-1", &CreateSubscriptionRequest{ContractID: c.ID}))
		assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(err))
	})

	t.Run("processor outage", func(t *testing.T) {
		c := ts.executed(t)
		ts.proc.FailNext("CreateSubscription", 1)
		_, err := ts.client.CreateSubscription(ctx, as(t, ts, "landlord-1", &CreateSubscriptionRequest{ContractID: c.ID}))
		assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
	})

	t.Run("lookup needs a key", func(t *testing.T) {
		_, err := ts.client.GetSubscription(ctx, as(t, ts, "tenant-1", &GetSubscriptionRequest{}))
		assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	})
}

func TestConnectError(t *testing.T) {
	tests := []struct {
		err  error
		want connect.Code
	}{
		{fmt.Errorf("x: %w", lease.ErrUnknownSubscription), connect.CodeNotFound},
		{lease.ErrAlreadySubscribed, connect.CodeAlreadyExists},
		{lease.ErrInvalidTransition, connect.CodeFailedPrecondition},
		{lease.ErrSignerMismatch, connect.CodeInvalidArgument},
		{fmt.Errorf("charge: %w", processor.ErrUnavailable), connect.CodeUnavailable},
		{context.DeadlineExceeded, connect.CodeDeadlineExceeded},
		{fmt.Errorf("boom"), connect.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, connect.CodeOf(connectError(tt.err)), "%v", tt.err)
	}
}
