// Package stripe implements processor.Processor on top of the Stripe API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/mmynk/leasewise/internal/processor"
)

var _ processor.Processor = (*Processor)(nil)

const (
	metaPropertyID = "property_id"
	metaUserID     = "user_id"
)

// Processor talks to Stripe with a secret key.
type Processor struct {
	api *client.API
}

// New creates a Stripe-backed processor.
func New(secretKey string) *Processor {
	return &Processor{api: client.New(secretKey, nil)}
}

// classify maps Stripe failures onto the processor error taxonomy.
func classify(op string, err error) error {
	var serr *stripego.Error
	if !errors.As(err, &serr) {
		// No API response at all: network failure, timeout.
		return fmt.Errorf("%s: %w: %v", op, processor.ErrUnavailable, err)
	}
	switch {
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%s: %w: %s", op, processor.ErrUnavailable, serr.Msg)
	case string(serr.Code) == "resource_already_exists":
		return fmt.Errorf("%s: %w: %s", op, processor.ErrAlreadyExists, serr.Msg)
	case serr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, processor.ErrNotFound, serr.Msg)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *Processor) FindProduct(ctx context.Context, propertyID string) (processor.Product, error) {
	params := &stripego.ProductSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("active:'true' AND metadata['%s']:'%s'", metaPropertyID, propertyID)

	iter := p.api.Products.Search(params)
	for iter.Next() {
		prod := iter.Product()
		ref := processor.Product{ProductID: prod.ID}
		if prod.DefaultPrice != nil {
			ref.PriceID = prod.DefaultPrice.ID
		}
		return ref, nil
	}
	if err := iter.Err(); err != nil {
		return processor.Product{}, classify("search products", err)
	}
	return processor.Product{}, fmt.Errorf("product for property %s: %w", propertyID, processor.ErrNotFound)
}

func (p *Processor) CreateProduct(ctx context.Context, spec processor.ProductSpec) (processor.Product, error) {
	params := &stripego.ProductParams{
		Name: stripego.String(spec.Name),
		DefaultPriceData: &stripego.ProductDefaultPriceDataParams{
			Currency:   stripego.String(spec.Currency),
			UnitAmount: stripego.Int64(spec.MonthlyAmount),
			Recurring: &stripego.ProductDefaultPriceDataRecurringParams{
				Interval: stripego.String(string(stripego.PriceRecurringIntervalMonth)),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(metaPropertyID, spec.PropertyID)
	params.SetIdempotencyKey("product-" + spec.PropertyID)

	prod, err := p.api.Products.New(params)
	if err != nil {
		return processor.Product{}, classify("create product", err)
	}
	ref := processor.Product{ProductID: prod.ID}
	if prod.DefaultPrice != nil {
		ref.PriceID = prod.DefaultPrice.ID
	}
	return ref, nil
}

func (p *Processor) EnsureCustomer(ctx context.Context, spec processor.CustomerSpec) (string, error) {
	search := &stripego.CustomerSearchParams{}
	search.Context = ctx
	search.Query = fmt.Sprintf("metadata['%s']:'%s'", metaUserID, spec.UserID)

	iter := p.api.Customers.Search(search)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", classify("search customers", err)
	}

	params := &stripego.CustomerParams{}
	if spec.Email != "" {
		params.Email = stripego.String(spec.Email)
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, spec.UserID)
	params.SetIdempotencyKey("customer-" + spec.UserID)

	cus, err := p.api.Customers.New(params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return cus.ID, nil
}

func (p *Processor) CreateSubscription(ctx context.Context, spec processor.SubscriptionSpec) (processor.Subscription, error) {
	params := &stripego.SubscriptionParams{
		Customer: stripego.String(spec.CustomerID),
		Items: []*stripego.SubscriptionItemsParams{{
			PriceData: &stripego.SubscriptionItemPriceDataParams{
				Currency:   stripego.String(spec.Currency),
				Product:    stripego.String(spec.ProductID),
				UnitAmount: stripego.Int64(spec.MonthlyAmount),
				Recurring: &stripego.SubscriptionItemPriceDataRecurringParams{
					Interval: stripego.String(string(stripego.PriceRecurringIntervalMonth)),
				},
			},
		}},
	}
	if spec.TrialDays > 0 {
		params.TrialPeriodDays = stripego.Int64(spec.TrialDays)
	}
	params.Context = ctx
	for k, v := range spec.Metadata {
		params.AddMetadata(k, v)
	}
	if spec.IdempotencyKey != "" {
		params.SetIdempotencyKey(spec.IdempotencyKey)
	}

	sub, err := p.api.Subscriptions.New(params)
	if err != nil {
		return processor.Subscription{}, classify("create subscription", err)
	}
	return toSubscription(sub), nil
}

func (p *Processor) UpdateSubscription(ctx context.Context, subscriptionID string, update processor.SubscriptionUpdate) (processor.Subscription, error) {
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	switch {
	case update.Pause:
		params.PauseCollection = &stripego.SubscriptionPauseCollectionParams{
			Behavior: stripego.String("mark_uncollectible"),
		}
		if update.ResumesAt != nil {
			params.PauseCollection.ResumesAt = stripego.Int64(update.ResumesAt.Unix())
		}
	case update.Resume:
		// An empty pause_collection clears the pause.
		params.AddExtra("pause_collection", "")
	}
	if update.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripego.Bool(*update.CancelAtPeriodEnd)
	}

	sub, err := p.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return processor.Subscription{}, classify("update subscription", err)
	}
	return toSubscription(sub), nil
}

func (p *Processor) CancelSubscription(ctx context.Context, subscriptionID string) (processor.Subscription, error) {
	params := &stripego.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return processor.Subscription{}, classify("cancel subscription", err)
	}
	return toSubscription(sub), nil
}

func (p *Processor) AddInvoiceItem(ctx context.Context, spec processor.InvoiceItemSpec) (string, error) {
	params := &stripego.InvoiceItemParams{
		Customer:    stripego.String(spec.CustomerID),
		Amount:      stripego.Int64(spec.Amount),
		Currency:    stripego.String(spec.Currency),
		Description: stripego.String(spec.Description),
	}
	if spec.SubscriptionID != "" {
		params.Subscription = stripego.String(spec.SubscriptionID)
	}
	params.Context = ctx
	for k, v := range spec.Metadata {
		params.AddMetadata(k, v)
	}
	if spec.IdempotencyKey != "" {
		params.SetIdempotencyKey(spec.IdempotencyKey)
	}

	item, err := p.api.InvoiceItems.New(params)
	if err != nil {
		return "", classify("create invoice item", err)
	}
	return item.ID, nil
}

func (p *Processor) ChargeInvoice(ctx context.Context, invoiceID string) (processor.Charge, error) {
	params := &stripego.InvoicePayParams{}
	params.Context = ctx
	inv, err := p.api.Invoices.Pay(invoiceID, params)
	if err != nil {
		var serr *stripego.Error
		if errors.As(err, &serr) && serr.Type == stripego.ErrorTypeCard {
			return processor.Charge{}, &processor.ChargeError{InvoiceID: invoiceID, Reason: declineReason(serr)}
		}
		return processor.Charge{}, classify("pay invoice", err)
	}
	if !inv.Paid {
		return processor.Charge{}, &processor.ChargeError{InvoiceID: invoiceID, Reason: string(inv.Status)}
	}
	return processor.Charge{InvoiceID: inv.ID, AmountPaid: inv.AmountPaid}, nil
}

func toSubscription(sub *stripego.Subscription) processor.Subscription {
	out := processor.Subscription{
		ID:                 sub.ID,
		Status:             processor.Status(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	// A paused collection still reports active at Stripe.
	if sub.PauseCollection != nil && sub.PauseCollection.Behavior != "" {
		out.Status = processor.StatusPaused
	}
	return out
}

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
