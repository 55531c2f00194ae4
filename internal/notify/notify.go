// Package notify turns lifecycle events into user notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/mmynk/leasewise/internal/events"
)

// Message is a rendered notification for one or more users.
type Message struct {
	// Recipients are user IDs; the delivery service resolves addresses.
	Recipients []string
	Template   string
	Subject    string
	Data       map[string]any
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	slog.Info("Notification", "template", msg.Template, "recipients", msg.Recipients, "subject", msg.Subject)
	return nil
}

// Dispatcher is an events.Publisher that renders each event variant into a
// Message and hands it to a Sender.
type Dispatcher struct {
	sender Sender
}

var _ events.Publisher = (*Dispatcher)(nil)

func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

func (d *Dispatcher) Publish(ctx context.Context, event events.Event) error {
	msg, err := Render(event)
	if err != nil {
		return err
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", msg.Template, err)
	}
	return nil
}

// Render builds the message for an event.
func Render(event events.Event) (Message, error) {
	switch e := event.(type) {
	case events.ContractFullyExecuted:
		return Message{
			Recipients: parties(e.TenantID, e.LandlordID),
			Template:   "contract_executed",
			Subject:    "Your lease is fully signed",
			Data: map[string]any{
				"contract_id": e.ContractID,
				"property_id": e.PropertyID,
			},
		}, nil

	case events.SubscriptionCreated:
		return Message{
			Recipients: parties(e.TenantID, e.LandlordID),
			Template:   "subscription_created",
			Subject:    "Rent payments are set up",
			Data: map[string]any{
				"subscription_id":  e.SubscriptionID,
				"amount":           e.MonthlyAmount,
				"currency":         e.Currency,
				"trial_days":       e.TrialDays,
				"next_payment_due": e.NextPaymentDue,
			},
		}, nil

	case events.PaymentOutcome:
		if e.Success {
			return Message{
				Recipients: parties(e.TenantID, e.LandlordID),
				Template:   "payment_succeeded",
				Subject:    "Rent payment received",
				Data: map[string]any{
					"invoice_id": e.InvoiceID,
					"amount":     e.Amount,
					"currency":   e.Currency,
				},
			}, nil
		}
		return Message{
			Recipients: parties(e.TenantID),
			Template:   "payment_failed",
			Subject:    "Rent payment failed",
			Data: map[string]any{
				"invoice_id": e.InvoiceID,
				"late_fee":   e.LateFee,
				"currency":   e.Currency,
				"reason":     e.FailureReason,
				"attempt":    e.AttemptNumber,
			},
		}, nil

	case events.PaymentExhausted:
		return Message{
			Recipients: parties(e.TenantID, e.LandlordID),
			Template:   "payment_exhausted",
			Subject:    "Rent payment could not be collected",
			Data: map[string]any{
				"invoice_id": e.InvoiceID,
				"attempts":   e.Attempts,
				"late_fee":   e.LateFee,
				"currency":   e.Currency,
			},
		}, nil

	default:
		return Message{}, fmt.Errorf("unhandled event kind %q", event.Kind())
	}
}

func parties(ids ...string) []string {
	return lo.Uniq(lo.Compact(ids))
}
