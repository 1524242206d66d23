// Package provider holds the registry of known OAuth providers and the
// origin allow-list used to validate authorization URLs before the browser
// is sent to them.
package provider

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"golang.org/x/oauth2"
)

// Provider describes one external OAuth provider.
type Provider struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

// Origin returns the provider's scheme://host origin derived from AuthURL.
func (p Provider) Origin() (string, error) {
	u, err := url.Parse(p.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("auth url %q has no origin", p.AuthURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// OAuthConfig returns the oauth2 client configuration for the provider.
func (p Provider) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURI,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}
}

// AuthCodeURL builds the provider authorization URL for the given state.
func (p Provider) AuthCodeURL(state string) string {
	return p.OAuthConfig().AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Registry indexes providers by ID and answers origin allow-list checks.
type Registry struct {
	providers map[string]Provider
	origins   map[string]struct{}
}

type registryFile struct {
	Providers []Provider `yaml:"providers"`
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers []Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		origins:   make(map[string]struct{}, len(providers)),
	}
	for _, p := range providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("provider id is required")
		}
		if _, exists := r.providers[id]; exists {
			return nil, fmt.Errorf("duplicate provider id %q", id)
		}
		origin, err := p.Origin()
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		r.providers[id] = p
		r.origins[origin] = struct{}{}
	}
	return r, nil
}

// LoadFile reads a YAML provider registry from disk.
func LoadFile(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return Parse(content)
}

// Parse builds a registry from YAML content.
func Parse(content []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse providers yaml: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return NewRegistry(file.Providers)
}

// Get returns the provider with the given ID.
func (r *Registry) Get(id string) (Provider, bool) {
	if r == nil {
		return Provider{}, false
	}
	p, ok := r.providers[strings.TrimSpace(id)]
	return p, ok
}

// IDs returns the registered provider IDs.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// AllowsURL reports whether the raw URL is an https URL whose origin belongs
// to a registered provider.
func (r *Registry) AllowsURL(raw string) bool {
	if r == nil {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme == "" || u.Host == "" {
		return false
	}
	_, ok := r.origins[u.Scheme+"://"+u.Host]
	return ok
}
