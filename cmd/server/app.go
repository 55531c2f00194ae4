package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mmynk/leasewise/internal/cache"
	"github.com/mmynk/leasewise/internal/calculator"
	"github.com/mmynk/leasewise/internal/config"
	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/lease"
	"github.com/mmynk/leasewise/internal/metrics"
	"github.com/mmynk/leasewise/internal/notify"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/processor/fake"
	"github.com/mmynk/leasewise/internal/processor/stripe"
	"github.com/mmynk/leasewise/internal/storage"
	"github.com/mmynk/leasewise/internal/storage/postgres"
	"github.com/mmynk/leasewise/internal/storage/sqlite"
	"github.com/mmynk/leasewise/internal/webhook"
	"github.com/mmynk/leasewise/pkg/logging"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg      *config.Config
	store    storage.Store
	manager  *lease.Manager
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	// parser is nil when running against the in-memory processor.
	parser webhook.Parser

	closers []func() error
}

// loadConfig reads the config and installs the logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage initialized", "driver", cfg.DBDriver)
		return store, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Storage initialized", "driver", cfg.DBDriver, "database", cfg.DBPath)
		return store, nil
	}
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	var proc processor.Processor
	if cfg.StripeSecretKey != "" {
		sp := stripe.New(cfg.StripeSecretKey)
		proc = sp
		a.parser = sp.WebhookParser(cfg.StripeWebhookSecret)
		slog.Info("Payment processor configured", "processor", "stripe")
	} else {
		proc = fake.New(time.Now)
		slog.Warn("No stripe_secret_key set, using the in-memory processor")
	}

	var productCache cache.ProductCache
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		productCache = cache.NewRedisProductCache(client, cfg.ProductCacheTTL)
		slog.Info("Product cache configured", "backend", "redis")
	}

	bus := events.NewBus(notify.NewDispatcher(notify.LogSender{}))
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kp.Close)
		bus.Subscribe(kp)
		slog.Info("Event publishing configured", "brokers", cfg.KafkaBrokers, "topic_prefix", cfg.KafkaTopicPrefix)
	}

	policies, err := calculator.LoadPolicySet(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load late fee policies: %w", err)
	}

	a.manager = lease.New(a.store, proc, lease.Config{
		MaxChargeRetries:  cfg.MaxChargeRetries,
		EventClaimTimeout: cfg.EventClaimTimeout,
		Policies:          &policies,
		Retry: &lease.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Publisher:    bus,
		ProductCache: productCache,
		Metrics:      a.metrics,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
