// Package orchestrator parses orchestrator service flags and launches the
// web surface.
package orchestrator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/driftline/atrium/internal/integration/httpapi"
	"github.com/driftline/atrium/internal/integration/provider"
	entrypoint "github.com/driftline/atrium/internal/platform/cmd"
	"github.com/driftline/atrium/internal/session/cookie"
	sessionsqlite "github.com/driftline/atrium/internal/session/sqlite"
	"github.com/driftline/atrium/internal/web"
)

// Config holds orchestrator command configuration.
type Config struct {
	HTTPAddr      string `env:"ATRIUM_HTTP_ADDR" envDefault:"localhost:8080"`
	APIBaseURL    string `env:"ATRIUM_INTEGRATION_API_URL" envDefault:"http://localhost:8081"`
	DBPath        string `env:"ATRIUM_DB_PATH" envDefault:"atrium.db"`
	ProvidersPath string `env:"ATRIUM_PROVIDERS_PATH" envDefault:"providers.yaml"`
	SessionSecret string `env:"ATRIUM_SESSION_SECRET"`
	SecureCookies bool   `env:"ATRIUM_SECURE_COOKIES" envDefault:"false"`
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		return errors.New("session secret is required")
	}
	return nil
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The orchestrator HTTP listen address")
	fs.StringVar(&cfg.APIBaseURL, "integration-api-url", cfg.APIBaseURL, "The integration service base URL")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite session database path")
	fs.StringVar(&cfg.ProvidersPath, "providers-path", cfg.ProvidersPath, "The provider registry YAML path")
	fs.BoolVar(&cfg.SecureCookies, "secure-cookies", cfg.SecureCookies, "Mark session cookies Secure")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the orchestrator web service.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	store, err := sessionsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	codec, err := cookie.NewCodec([]byte(cfg.SessionSecret), sessionsqlite.DefaultSessionTTL)
	if err != nil {
		return fmt.Errorf("build cookie codec: %w", err)
	}

	registry, err := provider.LoadFile(cfg.ProvidersPath)
	if err != nil {
		return fmt.Errorf("load provider registry: %w", err)
	}

	api, err := httpapi.NewClient(cfg.APIBaseURL, nil)
	if err != nil {
		return fmt.Errorf("build integration client: %w", err)
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, func(ctx context.Context) error {
		server, err := web.NewServer(ctx, web.Config{
			HTTPAddr:      cfg.HTTPAddr,
			Store:         store,
			Codec:         codec,
			API:           api,
			AllowURL:      registry.AllowsURL,
			Providers:     registry,
			SecureCookies: cfg.SecureCookies,
		})
		if err != nil {
			return err
		}
		defer server.Close()
		return server.ListenAndServe(ctx)
	})
}
