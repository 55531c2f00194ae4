package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mmynk/leasewise/internal/processor"
)

func testCaches(t *testing.T) map[string]ProductCache {
	t.Helper()
	caches := map[string]ProductCache{"memory": NewMemoryProductCache()}

	// Redis runs only when an instance is provided.
	if url := os.Getenv("REDIS_URL"); url != "" {
		client, err := Connect(context.Background(), url)
		if err != nil {
			t.Fatalf("failed to connect to redis: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		caches["redis"] = NewRedisProductCache(client, time.Minute)
	}
	return caches
}

func TestProductCache(t *testing.T) {
	ctx := context.Background()

	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			propertyID := "prop-" + name + "-" + time.Now().Format("150405.000000")

			if _, ok, err := c.Get(ctx, propertyID); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}

			want := processor.Product{ProductID: "prod_1", PriceID: "price_1"}
			if err := c.Set(ctx, propertyID, want); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			got, ok, err := c.Get(ctx, propertyID)
			if err != nil || !ok {
				t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
			}
			if got != want {
				t.Errorf("expected %+v, got %+v", want, got)
			}
		})
	}
}
