// Package fake provides an in-memory payment processor for tests and local
// development.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/leasewise/internal/processor"
)

var _ processor.Processor = (*Processor)(nil)

type subscription struct {
	processor.Subscription
	paused bool
}

// Processor is an in-memory processor.Processor. Failures are scripted with
// FailCharges and FailNext.
type Processor struct {
	mu sync.Mutex

	now func() time.Time

	products      map[string]processor.Product // by property ID
	customers     map[string]string            // user ID -> customer ID
	subscriptions map[string]*subscription
	idempotent    map[string]string // idempotency key -> subscription ID
	invoiceItems  map[string]processor.InvoiceItemSpec
	itemsByKey    map[string]string
	invoices      map[string]int64 // open invoice ID -> amount

	chargeFailures []string
	unavailable    map[string]int

	calls map[string]int
}

// New creates an empty fake processor using clock now.
func New(now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		now:           now,
		products:      make(map[string]processor.Product),
		customers:     make(map[string]string),
		subscriptions: make(map[string]*subscription),
		idempotent:    make(map[string]string),
		invoiceItems:  make(map[string]processor.InvoiceItemSpec),
		itemsByKey:    make(map[string]string),
		invoices:      make(map[string]int64),
		unavailable:   make(map[string]int),
		calls:         make(map[string]int),
	}
}

// FailCharges makes the next len(reasons) ChargeInvoice calls decline with
// the given reasons, in order.
func (p *Processor) FailCharges(reasons ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chargeFailures = append(p.chargeFailures, reasons...)
}

// FailNext makes the next n calls of method return processor.ErrUnavailable.
func (p *Processor) FailNext(method string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable[method] += n
}

// Calls returns how many times method was invoked, failed calls included.
func (p *Processor) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// OpenInvoice creates an unpaid invoice for a subscription and returns its ID.
func (p *Processor) OpenInvoice(subscriptionID string, amount int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "in_" + uuid.NewString()[:8]
	p.invoices[id] = amount
	return id
}

// InvoiceItems returns the one-time items added so far.
func (p *Processor) InvoiceItems() []processor.InvoiceItemSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := make([]processor.InvoiceItemSpec, 0, len(p.invoiceItems))
	for _, item := range p.invoiceItems {
		items = append(items, item)
	}
	return items
}

// Subscription returns the processor-side state of a subscription.
func (p *Processor) Subscription(id string) (processor.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[id]
	if !ok {
		return processor.Subscription{}, false
	}
	return sub.Subscription, true
}

// enter records a call and reports a scripted outage. Caller holds mu.
func (p *Processor) enter(method string) error {
	p.calls[method]++
	if p.unavailable[method] > 0 {
		p.unavailable[method]--
		return fmt.Errorf("%s: %w", method, processor.ErrUnavailable)
	}
	return nil
}

func (p *Processor) FindProduct(_ context.Context, propertyID string) (processor.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("FindProduct"); err != nil {
		return processor.Product{}, err
	}
	prod, ok := p.products[propertyID]
	if !ok {
		return processor.Product{}, fmt.Errorf("product for property %s: %w", propertyID, processor.ErrNotFound)
	}
	return prod, nil
}

func (p *Processor) CreateProduct(_ context.Context, spec processor.ProductSpec) (processor.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateProduct"); err != nil {
		return processor.Product{}, err
	}
	if _, ok := p.products[spec.PropertyID]; ok {
		return processor.Product{}, fmt.Errorf("product for property %s: %w", spec.PropertyID, processor.ErrAlreadyExists)
	}
	prod := processor.Product{
		ProductID: "prod_" + uuid.NewString()[:8],
		PriceID:   "price_" + uuid.NewString()[:8],
	}
	p.products[spec.PropertyID] = prod
	return prod, nil
}

// SeedProduct registers a product for a property without counting a call,
// standing in for one created by a concurrent resolver.
func (p *Processor) SeedProduct(propertyID string) processor.Product {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod := processor.Product{
		ProductID: "prod_" + uuid.NewString()[:8],
		PriceID:   "price_" + uuid.NewString()[:8],
	}
	p.products[propertyID] = prod
	return prod
}

func (p *Processor) EnsureCustomer(_ context.Context, spec processor.CustomerSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("EnsureCustomer"); err != nil {
		return "", err
	}
	if id, ok := p.customers[spec.UserID]; ok {
		return id, nil
	}
	id := "cus_" + uuid.NewString()[:8]
	p.customers[spec.UserID] = id
	return id, nil
}

func (p *Processor) CreateSubscription(_ context.Context, spec processor.SubscriptionSpec) (processor.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateSubscription"); err != nil {
		return processor.Subscription{}, err
	}
	if id, ok := p.idempotent[spec.IdempotencyKey]; ok && spec.IdempotencyKey != "" {
		return p.subscriptions[id].Subscription, nil
	}

	now := p.now().UTC()
	status := processor.StatusActive
	start := now
	if spec.TrialDays > 0 {
		status = processor.StatusTrialing
	}
	end := start.AddDate(0, 1, 0)
	if spec.TrialDays > 0 {
		end = start.AddDate(0, 0, int(spec.TrialDays))
	}

	sub := &subscription{Subscription: processor.Subscription{
		ID:                 "sub_" + uuid.NewString()[:8],
		CustomerID:         spec.CustomerID,
		PriceID:            "price_" + uuid.NewString()[:8],
		Status:             status,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}}
	p.subscriptions[sub.ID] = sub
	if spec.IdempotencyKey != "" {
		p.idempotent[spec.IdempotencyKey] = sub.ID
	}
	return sub.Subscription, nil
}

func (p *Processor) UpdateSubscription(_ context.Context, subscriptionID string, update processor.SubscriptionUpdate) (processor.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateSubscription"); err != nil {
		return processor.Subscription{}, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return processor.Subscription{}, fmt.Errorf("subscription %s: %w", subscriptionID, processor.ErrNotFound)
	}
	switch {
	case update.Pause:
		sub.paused = true
		sub.Status = processor.StatusPaused
	case update.Resume:
		sub.paused = false
		sub.Status = processor.StatusActive
	}
	if update.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	return sub.Subscription, nil
}

func (p *Processor) CancelSubscription(_ context.Context, subscriptionID string) (processor.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CancelSubscription"); err != nil {
		return processor.Subscription{}, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return processor.Subscription{}, fmt.Errorf("subscription %s: %w", subscriptionID, processor.ErrNotFound)
	}
	sub.Status = processor.StatusCanceled
	return sub.Subscription, nil
}

func (p *Processor) AddInvoiceItem(_ context.Context, spec processor.InvoiceItemSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("AddInvoiceItem"); err != nil {
		return "", err
	}
	if id, ok := p.itemsByKey[spec.IdempotencyKey]; ok && spec.IdempotencyKey != "" {
		return id, nil
	}
	id := "ii_" + uuid.NewString()[:8]
	p.invoiceItems[id] = spec
	if spec.IdempotencyKey != "" {
		p.itemsByKey[spec.IdempotencyKey] = id
	}
	return id, nil
}

func (p *Processor) ChargeInvoice(_ context.Context, invoiceID string) (processor.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ChargeInvoice"); err != nil {
		return processor.Charge{}, err
	}
	if len(p.chargeFailures) > 0 {
		reason := p.chargeFailures[0]
		p.chargeFailures = p.chargeFailures[1:]
		return processor.Charge{}, &processor.ChargeError{InvoiceID: invoiceID, Reason: reason}
	}
	amount := p.invoices[invoiceID]
	delete(p.invoices, invoiceID)
	return processor.Charge{InvoiceID: invoiceID, AmountPaid: amount}, nil
}
