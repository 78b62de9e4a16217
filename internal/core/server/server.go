package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wildfire-labs/riskd/internal/core/config"
	"github.com/wildfire-labs/riskd/internal/core/health"
	middleware "github.com/wildfire-labs/riskd/internal/core/middleware"
	"github.com/wildfire-labs/riskd/internal/core/router"
)

// Run sets up the HTTP surface and serves until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, h *router.Handlers, ready health.Reporter) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(ready))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/risk", h.Risk())
	r.Get("/fires", h.Fires())
	r.Get("/location", h.Location())
	r.Put("/location", h.SaveLocation())
	r.Delete("/location", h.ClearLocation())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
