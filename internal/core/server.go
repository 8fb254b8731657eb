// Package core is the HTTP chassis of the FunnelMetrics API: the chi router,
// the global middleware chain, the JSON envelope and the entitlement guards
// that sit in front of domain handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"funnelmetrics/internal/config"
	"funnelmetrics/internal/types"
)

// MetricsCollector records request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint string, status int, duration time.Duration)
}

// DenialRecorder counts requests refused by an entitlement guard.
type DenialRecorder interface {
	RecordEntitlementDenied(reason types.ErrorCode)
}

// Server holds the dependencies of the HTTP layer. Optional collaborators
// left nil disable the middleware that uses them.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	Metrics         MetricsCollector
	Denials         DenialRecorder
	SecurityService types.SecurityService
	Authenticator   Authenticator
	Entitlements    EntitlementChecker

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. They are filled in
	// by main so core never imports handler packages.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer validates the required dependencies and creates an empty router.
// Call MountRoutes once the optional fields are set.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Router exposes the mux to tests.
func (s *Server) Router() *chi.Mux { return s.router }
