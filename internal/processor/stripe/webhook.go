package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/mmynk/leasewise/internal/processor"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

var (
	// ErrInvalidSignature is returned for payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrIgnoredEvent is returned for event types the lease lifecycle does
	// not consume.
	ErrIgnoredEvent = errors.New("ignored webhook event")
)

var eventTypes = map[string]processor.EventType{
	"customer.subscription.updated": processor.EventSubscriptionUpdated,
	"customer.subscription.deleted": processor.EventSubscriptionDeleted,
	"invoice.payment_succeeded":     processor.EventInvoicePaymentSucceeded,
	"invoice.payment_failed":        processor.EventInvoicePaymentFailed,
}

// paymentIntents fetches payment intents. The API client's PaymentIntents
// satisfies it.
type paymentIntents interface {
	Get(id string, params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error)
}

// WebhookParser verifies and translates Stripe webhook deliveries.
type WebhookParser struct {
	secret    string
	tolerance time.Duration

	// intents resolves decline details the payload only references by ID.
	// Without it only what the payload carries is used.
	intents paymentIntents
}

// NewWebhookParser creates a parser for the endpoint signing secret.
func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: secret, tolerance: webhook.DefaultTolerance}
}

// WebhookParser creates a parser that looks up the decline behind failed
// invoices with this processor's API client.
func (p *Processor) WebhookParser(secret string) *WebhookParser {
	w := NewWebhookParser(secret)
	w.intents = p.api.PaymentIntents
	return w
}

// ParseEvent verifies the signature header and translates the payload.
func (w *WebhookParser) ParseEvent(ctx context.Context, payload []byte, signature string) (processor.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		Tolerance:                w.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return processor.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return w.translate(ctx, event)
}

func (w *WebhookParser) translate(ctx context.Context, event stripego.Event) (processor.Event, error) {
	kind, ok := eventTypes[string(event.Type)]
	if !ok {
		return processor.Event{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}
	if event.Data == nil {
		return processor.Event{}, fmt.Errorf("event %s has no data", event.ID)
	}

	out := processor.Event{
		ID:         event.ID,
		Type:       kind,
		OccurredAt: unixTime(event.Created),
	}

	switch kind {
	case processor.EventSubscriptionUpdated, processor.EventSubscriptionDeleted:
		var sub stripego.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return processor.Event{}, fmt.Errorf("failed to decode subscription: %w", err)
		}
		mapped := toSubscription(&sub)
		out.SubscriptionID = mapped.ID
		out.Status = mapped.Status
		out.CurrentPeriodStart = mapped.CurrentPeriodStart
		out.CurrentPeriodEnd = mapped.CurrentPeriodEnd
		out.CancelAtPeriodEnd = mapped.CancelAtPeriodEnd
		if prev, ok := event.Data.PreviousAttributes["status"].(string); ok {
			out.PreviousStatus = processor.Status(prev)
		}
		if kind == processor.EventSubscriptionDeleted {
			out.Status = processor.StatusCanceled
		}

	default:
		var inv stripego.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return processor.Event{}, fmt.Errorf("failed to decode invoice: %w", err)
		}
		out.InvoiceID = inv.ID
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
		out.Amount = inv.AmountDue
		out.AttemptCount = int(inv.AttemptCount)
		out.InvoiceDueAt = unixTime(inv.Created)
		if inv.DueDate != 0 {
			out.InvoiceDueAt = unixTime(inv.DueDate)
		}
		if kind == processor.EventInvoicePaymentFailed {
			out.FailureReason = w.failureReason(ctx, &inv)
		}
	}

	if out.SubscriptionID == "" {
		return processor.Event{}, fmt.Errorf("%w: %s without subscription", ErrIgnoredEvent, event.Type)
	}
	return out, nil
}

// failureReason reads the decline behind a failed invoice: the last payment
// error of its payment intent, else the failure code of its charge.
func (w *WebhookParser) failureReason(ctx context.Context, inv *stripego.Invoice) string {
	pi := inv.PaymentIntent
	// An unexpanded intent decodes with its ID only.
	if pi != nil && pi.ID != "" && pi.Status == "" && w.intents != nil {
		params := &stripego.PaymentIntentParams{}
		params.Context = ctx
		fetched, err := w.intents.Get(pi.ID, params)
		if err != nil {
			slog.Warn("Failed to fetch payment intent", "invoice_id", inv.ID, "payment_intent", pi.ID, "error", err)
		} else {
			pi = fetched
		}
	}
	if pi != nil && pi.LastPaymentError != nil {
		return declineReason(pi.LastPaymentError)
	}
	if ch := inv.Charge; ch != nil {
		if ch.FailureCode != "" {
			return ch.FailureCode
		}
		return ch.FailureMessage
	}
	return ""
}

// declineReason prefers the machine-readable decline code.
func declineReason(err *stripego.Error) string {
	switch {
	case err.DeclineCode != "":
		return string(err.DeclineCode)
	case err.Code != "":
		return string(err.Code)
	}
	return err.Msg
}
