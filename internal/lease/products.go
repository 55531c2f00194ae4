package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/leasewise/internal/cache"
	"github.com/mmynk/leasewise/internal/processor"
)

// Property is the rented unit a product is billed for.
type Property struct {
	ID          string
	MonthlyRent int64
	Currency    string
}

// ProductResolver maps a property to its reusable recurring-charge product.
// Repeated resolutions for one property return the same product.
type ProductResolver struct {
	m     *Manager
	cache cache.ProductCache
}

func NewProductResolver(m *Manager, c cache.ProductCache) *ProductResolver {
	return &ProductResolver{m: m, cache: c}
}

// ResolveProduct returns the product of property, creating it at the
// processor when none is tagged with the property ID. A create that loses a
// race to another resolver is resolved by querying again.
func (r *ProductResolver) ResolveProduct(ctx context.Context, property Property) (processor.Product, error) {
	if property.ID == "" {
		return processor.Product{}, fmt.Errorf("%w: property id is required", ErrInvalidInput)
	}

	if ref, ok, err := r.cache.Get(ctx, property.ID); err != nil {
		slog.Warn("Product cache read failed", "property_id", property.ID, "error", err)
	} else if ok {
		return ref, nil
	}

	ref, err := r.find(ctx, property.ID)
	if errors.Is(err, processor.ErrNotFound) {
		ref, err = r.create(ctx, property)
		if errors.Is(err, processor.ErrAlreadyExists) {
			ref, err = r.find(ctx, property.ID)
		}
	}
	if err != nil {
		return processor.Product{}, fmt.Errorf("failed to resolve product for property %s: %w", property.ID, err)
	}

	if err := r.cache.Set(ctx, property.ID, ref); err != nil {
		slog.Warn("Product cache write failed", "property_id", property.ID, "error", err)
	}
	return ref, nil
}

func (r *ProductResolver) find(ctx context.Context, propertyID string) (processor.Product, error) {
	var ref processor.Product
	err := r.m.call(ctx, "find_product", func(ctx context.Context) error {
		var err error
		ref, err = r.m.proc.FindProduct(ctx, propertyID)
		return err
	})
	return ref, err
}

func (r *ProductResolver) create(ctx context.Context, property Property) (processor.Product, error) {
	var ref processor.Product
	err := r.m.call(ctx, "create_product", func(ctx context.Context) error {
		var err error
		ref, err = r.m.proc.CreateProduct(ctx, processor.ProductSpec{
			PropertyID:    property.ID,
			Name:          "Rent for property " + property.ID,
			MonthlyAmount: property.MonthlyRent,
			Currency:      property.Currency,
		})
		return err
	})
	if err == nil {
		slog.Info("Billing product created", "property_id", property.ID, "product_id", ref.ProductID)
	}
	return ref, err
}

// ResolveProduct is a shortcut for the Manager's resolver.
func (m *Manager) ResolveProduct(ctx context.Context, property Property) (processor.Product, error) {
	return m.products.ResolveProduct(ctx, property)
}
