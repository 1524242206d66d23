// Package web hosts the browser-facing HTTP surface: session login and
// logout, the navigation guard over page routes, and the integration
// connection endpoints.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/driftline/atrium/internal/integration"
	"github.com/driftline/atrium/internal/integration/provider"
	"github.com/driftline/atrium/internal/platform/timeouts"
	"github.com/driftline/atrium/internal/session"
	"github.com/driftline/atrium/internal/session/cookie"
	"github.com/driftline/atrium/internal/web/httpx"
)

// SessionStore is the session persistence the web surface needs.
type SessionStore interface {
	EnsureUser(ctx context.Context, userID string) error
	CompleteOnboarding(ctx context.Context, userID string) error
	CreateSession(ctx context.Context, userID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Resolve(ctx context.Context, sessionID string) (session.Session, error)
}

// Config defines startup inputs for the web service.
type Config struct {
	HTTPAddr string
	Store    SessionStore
	Codec    *cookie.Codec
	// API is the remote integration service shared by all per-user connectors.
	API integration.API
	// AllowURL validates provider authorization URLs before any redirect.
	AllowURL func(string) bool
	// Providers lists known OAuth providers for client-driven authorization.
	Providers *provider.Registry
	// SecureCookies marks session cookies Secure. Off only for local work.
	SecureCookies bool
}

// Server hosts the HTTP surface and lifecycle.
type Server struct {
	httpAddr   string
	httpServer *http.Server
	pool       *connectorPool
}

// NewHandler builds the root handler: public session endpoints, protected
// API endpoints behind an authentication check, and guard-evaluated page
// routes as the fallback.
func NewHandler(cfg Config) (http.Handler, error) {
	handler, _, err := newHandler(cfg)
	return handler, err
}

func newHandler(cfg Config) (http.Handler, *connectorPool, error) {
	if cfg.Store == nil {
		return nil, nil, errors.New("session store is required")
	}
	if cfg.Codec == nil {
		return nil, nil, errors.New("cookie codec is required")
	}
	if cfg.API == nil {
		return nil, nil, errors.New("integration api is required")
	}

	pool := newConnectorPool(cfg.API, cfg.AllowURL)
	h := &handlers{
		store:     cfg.Store,
		codec:     cfg.Codec,
		pool:      pool,
		providers: cfg.Providers,
		secure:    cfg.SecureCookies,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/login", http.HandlerFunc(h.login))
	mux.Handle("POST /api/logout", http.HandlerFunc(h.logout))
	mux.Handle("GET /api/navigation/decision", http.HandlerFunc(h.navigationDecision))

	mux.Handle("POST /api/onboarding/complete", h.requireUser(h.completeOnboarding))
	mux.Handle("GET /api/integration/providers", h.requireUser(h.integrationProviders))
	mux.Handle("GET /api/integration/status", h.requireUser(h.integrationStatus))
	mux.Handle("POST /api/integration/connect", h.requireUser(h.integrationConnect))
	mux.Handle("POST /api/integration/disconnect", h.requireUser(h.integrationDisconnect))
	mux.Handle("GET /api/notifications", h.requireUser(h.notifications))
	mux.Handle("GET /oauth/callback", h.requireUser(h.oauthCallback))

	// Everything else is a page route evaluated by the navigation guard.
	mux.Handle("/", http.HandlerFunc(h.page))

	handler := httpx.Chain(mux,
		httpx.RecoverPanic(),
		httpx.RequestID(),
		h.resolveSession(),
		httpx.RequestLogger(log.Default()),
	)
	return handler, pool, nil
}

// NewServer validates config and constructs a web server.
func NewServer(_ context.Context, cfg Config) (*Server, error) {
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	handler, pool, err := newHandler(cfg)
	if err != nil {
		return nil, fmt.Errorf("compose web handler: %w", err)
	}
	return &Server{
		httpAddr: httpAddr,
		pool:     pool,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
	}, nil
}

// ListenAndServe serves HTTP traffic until context cancellation or server stop.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("web server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("web listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.pool.closeAll()
		if err != nil {
			return fmt.Errorf("shutdown web http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		s.pool.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve web http: %w", err)
	}
}

// Close closes open server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.pool != nil {
		s.pool.closeAll()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
}
