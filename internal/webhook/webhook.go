// Package webhook receives payment processor webhooks over HTTP and hands
// verified events to the lease manager.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mmynk/leasewise/internal/lease"
	"github.com/mmynk/leasewise/internal/metrics"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/processor/stripe"
)

// maxBodyBytes matches the largest payload Stripe sends.
const maxBodyBytes = 65536

// Parser verifies and decodes a raw webhook body.
type Parser interface {
	ParseEvent(ctx context.Context, payload []byte, signature string) (processor.Event, error)
}

// EventHandler applies a verified event. *lease.Manager implements it.
type EventHandler interface {
	HandleProcessorEvent(ctx context.Context, ev processor.Event) error
}

// Handler serves POST /webhooks/stripe.
type Handler struct {
	parser  Parser
	events  EventHandler
	metrics *metrics.Metrics
}

// NewHandler creates a webhook handler. m may be nil.
func NewHandler(parser Parser, events EventHandler, m *metrics.Metrics) *Handler {
	return &Handler{parser: parser, events: events, metrics: m}
}

// ServeHTTP answers 2xx only once the event is applied or deliberately
// skipped, so the processor redelivers everything else.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	ev, err := h.parser.ParseEvent(r.Context(), body, r.Header.Get(stripe.SignatureHeader))
	switch {
	case errors.Is(err, stripe.ErrIgnoredEvent):
		slog.Debug("Ignoring webhook", "reason", err)
		h.metrics.Webhook("unhandled", "ignored")
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, stripe.ErrInvalidSignature):
		slog.Warn("Rejected webhook", "error", err, "remote_addr", r.RemoteAddr)
		h.metrics.Webhook("unknown", "rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	case err != nil:
		slog.Warn("Malformed webhook", "error", err)
		h.metrics.Webhook("unknown", "rejected")
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	if err := h.events.HandleProcessorEvent(r.Context(), ev); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, lease.ErrUnknownSubscription):
			// Usually the event raced CreateSubscription; the redelivery will match.
			status = http.StatusNotFound
		case errors.Is(err, lease.ErrEventInProgress):
			// Another delivery holds the claim; a later redelivery sees the result.
			status = http.StatusConflict
		}
		slog.Error("Webhook processing failed",
			"event_id", ev.ID,
			"type", ev.Type,
			"status", status,
			"error", err,
		)
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.WriteHeader(http.StatusOK)
}
