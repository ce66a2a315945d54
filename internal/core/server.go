// Package core provides the API chassis for the entitlement engine: router
// construction, cross-cutting middleware, the JSON response envelope, and
// request validation. Domain handlers mount themselves on the router via
// registrar functions.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthProbe defines the interface for a subsystem health check. Each probe
// represents a critical dependency (database, queue) that must be
// operational for the service to function.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe (e.g., "database").
	Name() string

	// Check performs the health check against the subsystem. It should
	// respect the context deadline and return an error if the subsystem is
	// unhealthy or unreachable.
	Check(ctx context.Context) error
}

// Server encapsulates the router and cross-cutting dependencies of the API,
// allowing injection during testing.
type Server struct {
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer builds the router with the standard middleware chain and mounts
// the health endpoint. Domain routes are mounted afterwards via MountV1.
func NewServer(logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}

	s.router.Use(Recoverer(logger))
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(logger))
	s.router.Get("/health", s.HandleHealth)

	return s, nil
}

// MountV1 mounts domain route registrars under the /v1 prefix.
func (s *Server) MountV1(registrars ...func(chi.Router)) {
	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range registrars {
			register(r)
		}
	})
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the HTTP server until the context is cancelled, then
// shuts it down gracefully with a bounded drain period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.Logger.Info("server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
