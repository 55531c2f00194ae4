package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/leasewise/internal/auth"
	"github.com/mmynk/leasewise/internal/middleware"
	"github.com/mmynk/leasewise/internal/service"
	"github.com/mmynk/leasewise/internal/webhook"
)

func serveCmd(configPath *string) *cobra.Command {
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lease RPC API and processor webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noSweep && cfg.SweepInterval > 0 {
				go a.sweepLoop(ctx, cfg.SweepInterval)
			}

			server := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           h2c.NewHandler(a.router(), &http2.Server{}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("Connect server starting", "address", cfg.ListenAddr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			slog.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the period boundary sweep in the background")
	return cmd
}

// router builds the HTTP surface: Connect RPCs, webhooks, health and metrics.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	if a.parser != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", webhook.NewHandler(a.parser, a.manager, a.metrics))
	}

	interceptors := []connect.Interceptor{middleware.LoggingInterceptor()}
	if a.cfg.JWTSecret != "" {
		interceptors = append(interceptors, middleware.RequireAuth(auth.NewJWTManager(a.cfg.JWTSecret, a.cfg.TokenTTL)))
	} else {
		slog.Warn("No jwt_secret set, RPCs are unauthenticated")
	}
	path, handler := service.NewLeaseServiceHandler(service.NewLeaseService(a.manager), connect.WithInterceptors(interceptors...))
	r.Handle(path+"*", handler)

	return r
}

// sweepLoop runs SweepBoundaries every interval until ctx is done.
func (a *app) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.manager.SweepBoundaries(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Boundary sweep failed", "error", err)
			}
		}
	}
}
