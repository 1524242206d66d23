package integration

import (
	"context"
	"time"
)

// ConnectionStatus is the cached view of one integration's remote state.
// The remote API is the source of truth; this cache is valid until the next
// explicit refresh.
type ConnectionStatus struct {
	Connected         bool
	AccountIdentifier string
	Scopes            []string
	LastSyncAt        *time.Time
	Error             string
}

// API is the remote integration service contract consumed by the connector.
type API interface {
	// GetConnectionStatus returns the current connection state for the user.
	GetConnectionStatus(ctx context.Context, userID string) (ConnectionStatus, error)
	// StartOAuth requests an authorization URL for the OAuth hand-off. The
	// caller must validate the URL's origin before navigating to it.
	StartOAuth(ctx context.Context, redirectTarget string) (string, error)
	// DisconnectIntegration revokes the integration for the user.
	DisconnectIntegration(ctx context.Context, userID string) error
}

// Confirmer gates destructive actions behind an explicit user confirmation.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, prompt string) bool

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) bool {
	if f == nil {
		return false
	}
	return f(ctx, prompt)
}
