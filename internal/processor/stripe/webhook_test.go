package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/mmynk/leasewise/internal/processor"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestParseEvent(t *testing.T) {
	parser := NewWebhookParser(testSecret)

	t.Run("invoice payment failed", func(t *testing.T) {
		header, body := sign(t, `{
			"id": "evt_1", "object": "event", "type": "invoice.payment_failed", "created": 1790000000,
			"data": {"object": {
				"id": "in_1", "object": "invoice", "subscription": "sub_1",
				"amount_due": 1000, "attempt_count": 2, "created": 1789000000
			}}
		}`)

		ev, err := parser.ParseEvent(context.Background(), body, header)
		if err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
		}
		if ev.ID != "evt_1" || ev.Type != processor.EventInvoicePaymentFailed {
			t.Errorf("unexpected event identity: %+v", ev)
		}
		if ev.SubscriptionID != "sub_1" || ev.InvoiceID != "in_1" {
			t.Errorf("expected sub_1/in_1, got %s/%s", ev.SubscriptionID, ev.InvoiceID)
		}
		if ev.Amount != 1000 || ev.AttemptCount != 2 {
			t.Errorf("expected amount 1000 attempt 2, got %d %d", ev.Amount, ev.AttemptCount)
		}
		if !ev.InvoiceDueAt.Equal(time.Unix(1789000000, 0)) {
			t.Errorf("unexpected due date %v", ev.InvoiceDueAt)
		}
	})

	t.Run("subscription updated with previous status", func(t *testing.T) {
		header, body := sign(t, `{
			"id": "evt_2", "object": "event", "type": "customer.subscription.updated", "created": 1790000000,
			"data": {
				"object": {"id": "sub_1", "object": "subscription", "status": "past_due",
					"current_period_start": 1789000000, "current_period_end": 1791600000},
				"previous_attributes": {"status": "active"}
			}
		}`)

		ev, err := parser.ParseEvent(context.Background(), body, header)
		if err != nil {
			t.Fatalf("ParseEvent failed: %v", err)
		}
		if ev.Status != processor.StatusPastDue || ev.PreviousStatus != processor.StatusActive {
			t.Errorf("expected active -> past_due, got %s -> %s", ev.PreviousStatus, ev.Status)
		}
		if ev.CurrentPeriodEnd.IsZero() {
			t.Error("expected period end to be set")
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		_, body := sign(t, `{"id": "evt_3", "object": "event", "type": "invoice.payment_failed"}`)
		_, err := parser.ParseEvent(context.Background(), body, "t=1,v1=deadbeef")
		if !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("unhandled type", func(t *testing.T) {
		header, body := sign(t, `{"id": "evt_4", "object": "event", "type": "charge.refunded",
			"data": {"object": {"id": "ch_1", "object": "charge"}}}`)
		_, err := parser.ParseEvent(context.Background(), body, header)
		if !errors.Is(err, ErrIgnoredEvent) {
			t.Errorf("expected ErrIgnoredEvent, got %v", err)
		}
	})
}

type stubIntents map[string]*stripego.PaymentIntent

func (s stubIntents) Get(id string, _ *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error) {
	pi, ok := s[id]
	if !ok {
		return nil, &stripego.Error{HTTPStatusCode: 404, Msg: "no such payment_intent"}
	}
	return pi, nil
}

func TestParseEvent_FailureReason(t *testing.T) {
	failed := func(extra string) string {
		return `{
			"id": "evt_f", "object": "event", "type": "invoice.payment_failed", "created": 1790000000,
			"data": {"object": {
				"id": "in_1", "object": "invoice", "subscription": "sub_1",
				"amount_due": 1000, "attempt_count": 1, "created": 1789000000` + extra + `
			}}
		}`
	}
	parser := NewWebhookParser(testSecret)
	parser.intents = stubIntents{
		"pi_ref": {ID: "pi_ref", Status: "requires_payment_method", LastPaymentError: &stripego.Error{Code: "card_declined", DeclineCode: "insufficient_funds"}},
	}

	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"expanded payment intent", `, "payment_intent": {"id": "pi_1", "object": "payment_intent", "status": "requires_payment_method",
			"last_payment_error": {"code": "card_declined", "decline_code": "expired_card", "message": "Your card has expired."}}`, "expired_card"},
		{"payment intent by reference", `, "payment_intent": "pi_ref"`, "insufficient_funds"},
		{"unknown payment intent", `, "payment_intent": "pi_missing"`, ""},
		{"expanded charge", `, "charge": {"id": "ch_1", "object": "charge", "failure_code": "card_declined"}`, "card_declined"},
		{"finalization error is not a decline", `, "last_finalization_error": {"message": "tax location invalid"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := sign(t, failed(tt.extra))
			ev, err := parser.ParseEvent(context.Background(), body, header)
			if err != nil {
				t.Fatalf("ParseEvent failed: %v", err)
			}
			if ev.FailureReason != tt.want {
				t.Errorf("expected reason %q, got %q", tt.want, ev.FailureReason)
			}
		})
	}
}

func TestDeclineReason(t *testing.T) {
	if got := declineReason(&stripego.Error{Code: "card_declined", DeclineCode: "lost_card", Msg: "declined"}); got != "lost_card" {
		t.Errorf("expected lost_card, got %q", got)
	}
	if got := declineReason(&stripego.Error{Msg: "declined"}); got != "declined" {
		t.Errorf("expected message fallback, got %q", got)
	}
}

func TestClassify(t *testing.T) {
	if err := classify("op", errors.New("dial tcp: timeout")); !errors.Is(err, processor.ErrUnavailable) {
		t.Errorf("network error should be unavailable, got %v", err)
	}
}
