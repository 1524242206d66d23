// Package integration drives the lifecycle of one OAuth-based integration:
// checking connection status, initiating the OAuth hand-off, handling the
// return callback exactly once, and disconnecting.
package integration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/driftline/atrium/internal/navigation"
	"github.com/driftline/atrium/internal/navigation/routepath"
	"github.com/driftline/atrium/internal/notify"
	"github.com/driftline/atrium/internal/platform/timeouts"
	"github.com/driftline/atrium/internal/session"
)

// State is the connector's lifecycle state.
type State int

const (
	// StateUnknown is the initial state before the first status check.
	StateUnknown State = iota
	// StateChecking means a status request is in flight.
	StateChecking
	// StateConnected and StateDisconnected are the stable rest states.
	StateConnected
	StateDisconnected
	// StateError is recoverable by re-invoking CheckStatus.
	StateError
	// StateConnecting means an authorization URL is being requested.
	StateConnecting
	// StateAwaitingCallback means the browser was handed to the provider.
	StateAwaitingCallback
	// StateDisconnecting means a disconnect request is in flight.
	StateDisconnecting
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateConnecting:
		return "connecting"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

type opKind int

const (
	opStatus opKind = iota
	opConnect
	opDisconnect
	opCount
)

// Config wires the connector's collaborators. API is required; everything
// else has a fail-closed default.
type Config struct {
	// API is the remote integration service.
	API API
	// Notifier receives user-facing messages. Defaults to notify.Discard.
	Notifier notify.Sink
	// AllowURL validates an authorization URL before navigation. A nil
	// validator rejects every URL.
	AllowURL func(string) bool
	// Session returns the current session snapshot.
	Session func(context.Context) session.Session
	// Navigate hands the browser to a validated authorization URL.
	Navigate func(authorizationURL string)
	// StripQuery clears the oauth callback parameters from the URL. It runs
	// synchronously on callback detection, before any awaited call.
	StripQuery func()
	// Confirm gates Disconnect. A nil confirmer declines.
	Confirm Confirmer
	// OnConnected fires exactly once per transition into StateConnected.
	OnConnected func()
	// Sleep implements the post-callback grace delay. Injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Connector owns the lifecycle of one integration for one user. All methods
// are safe for concurrent use; operations of the same kind are serialized by
// cancelling and superseding the in-flight one.
type Connector struct {
	cfg Config

	mu           sync.Mutex
	state        State
	status       ConnectionStatus
	closed       bool
	wasConnected bool

	gens    [opCount]uint64
	cancels [opCount]context.CancelFunc

	handledCallback string
}

// NewConnector creates a connector in StateUnknown.
func NewConnector(cfg Config) (*Connector, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("integration api is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Connector{cfg: cfg, state: StateUnknown}, nil
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a copy of the cached connection status.
func (c *Connector) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.status
	if status.Scopes != nil {
		status.Scopes = append([]string(nil), status.Scopes...)
	}
	return status
}

// Close aborts every in-flight operation. Continuations of aborted
// operations never mutate state.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for kind, cancel := range c.cancels {
		if cancel != nil {
			cancel()
			c.cancels[kind] = nil
		}
	}
}

// beginLocked cancels the prior operation of the same kind and registers a
// new one. The returned generation identifies the sole operation allowed to
// commit state for its kind.
func (c *Connector) beginLocked(ctx context.Context, kind opKind, timeout time.Duration) (context.Context, context.CancelFunc, uint64) {
	if prev := c.cancels[kind]; prev != nil {
		prev()
	}
	c.gens[kind]++
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	c.cancels[kind] = cancel
	return opCtx, cancel, c.gens[kind]
}

// liveLocked reports whether the operation with the given generation is
// still the active one of its kind on a live connector.
func (c *Connector) liveLocked(kind opKind, gen uint64) bool {
	return !c.closed && c.gens[kind] == gen
}

// CheckStatus issues one bounded status request and commits the result. A
// newer CheckStatus call supersedes an in-flight one: only the most recently
// initiated call may set state. Failures transition to StateError with one
// notification and are not retried automatically.
func (c *Connector) CheckStatus(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	opCtx, cancel, gen := c.beginLocked(ctx, opStatus, timeouts.StatusCheck)
	c.state = StateChecking
	c.mu.Unlock()
	defer cancel()

	status, err := c.cfg.API.GetConnectionStatus(opCtx, userID)

	c.mu.Lock()
	if !c.liveLocked(opStatus, gen) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.mu.Unlock()
			return ErrSuperseded
		}
		failure := c.failLocked("status check", err)
		c.mu.Unlock()
		return failure
	}
	fireConnected := c.commitStatusLocked(status)
	c.mu.Unlock()

	if fireConnected && c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
	return nil
}

// Connect requests an authorization URL and hands the browser to it. Valid
// only from StateDisconnected or StateError. The URL's origin must pass the
// allow-list before any navigation happens.
func (c *Connector) Connect(ctx context.Context, currentPath, explicitRedirect string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateError {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, c.state)
	}
	sess := c.currentSession(ctx)
	target := ResolveRedirectTarget(sess, currentPath, explicitRedirect)
	opCtx, cancel, gen := c.beginLocked(ctx, opConnect, timeouts.ConnectStart)
	c.state = StateConnecting
	// A fresh connect flow gets a fresh callback, so forget the last one.
	c.handledCallback = ""
	c.mu.Unlock()
	defer cancel()

	authorizationURL, err := c.cfg.API.StartOAuth(opCtx, target)

	c.mu.Lock()
	if !c.liveLocked(opConnect, gen) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.mu.Unlock()
			return ErrSuperseded
		}
		failure := c.failLocked("connect", err)
		c.mu.Unlock()
		return failure
	}
	if c.cfg.AllowURL == nil || !c.cfg.AllowURL(authorizationURL) {
		failure := NewFailure(FailureSecurity, fmt.Errorf("authorization url origin is not allowed"))
		c.state = StateError
		c.status.Error = failure.Error()
		c.notifyFailureLocked(failure.Kind, "connect")
		c.mu.Unlock()
		return failure
	}
	c.state = StateAwaitingCallback
	navigate := c.cfg.Navigate
	c.mu.Unlock()

	if navigate != nil {
		navigate(authorizationURL)
	}
	return nil
}

// HandleCallback processes the browser's return from the OAuth provider.
// It is idempotent per distinct callback event: re-invocations with the same
// query issue exactly one status check and at most one success notification.
// The query parameters are stripped before any awaited call.
func (c *Connector) HandleCallback(ctx context.Context, userID string, query url.Values) error {
	event, ok := ParseCallback(query)
	if !ok {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.handledCallback == event.key {
		c.mu.Unlock()
		return nil
	}
	c.handledCallback = event.key
	strip := c.cfg.StripQuery
	c.mu.Unlock()

	if strip != nil {
		strip()
	}

	if !event.Success {
		c.mu.Lock()
		c.state = StateError
		c.status.Error = event.ErrorMessage
		c.mu.Unlock()
		c.cfg.Notifier.Notify(notify.Notification{
			Kind:    notify.KindError,
			Title:   "Connection failed",
			Message: event.ErrorMessage,
		})
		return nil
	}

	// Give the backend a moment to finish processing the grant before
	// confirming. There is no completion signal to wait on.
	if err := c.cfg.Sleep(ctx, timeouts.CallbackGrace); err != nil {
		return ErrSuperseded
	}
	if err := c.CheckStatus(ctx, userID); err != nil {
		return err
	}

	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		c.cfg.Notifier.Notify(notify.Notification{
			Kind:    notify.KindSuccess,
			Title:   "Integration connected",
			Message: "Your account is connected and syncing.",
		})
	}
	return nil
}

// Disconnect revokes the integration after explicit confirmation. A declined
// confirmation is a silent no-op. After a successful disconnect the status
// is re-checked against the server; if that check fails, the previous status
// is restored and a single error notification fires.
func (c *Connector) Disconnect(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: disconnect from %s", ErrInvalidState, c.state)
	}
	confirm := c.cfg.Confirm
	c.mu.Unlock()

	if confirm == nil || !confirm.Confirm(ctx, "Disconnect this integration?") {
		return NewFailure(FailureUserCancelled, nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: disconnect from %s", ErrInvalidState, c.state)
	}
	previous := c.status
	opCtx, cancel, gen := c.beginLocked(ctx, opDisconnect, timeouts.StatusCheck)
	c.state = StateDisconnecting
	c.mu.Unlock()
	defer cancel()

	err := c.cfg.API.DisconnectIntegration(opCtx, userID)

	c.mu.Lock()
	if !c.liveLocked(opDisconnect, gen) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.mu.Unlock()
			return ErrSuperseded
		}
		failure := c.revertLocked(previous, "disconnect", err)
		c.mu.Unlock()
		return failure
	}
	// Optimistic local update; the server remains the source of truth.
	c.state = StateDisconnected
	c.status = ConnectionStatus{}
	c.wasConnected = false
	c.mu.Unlock()

	confirmCtx, confirmCancel := context.WithTimeout(ctx, timeouts.StatusCheck)
	defer confirmCancel()
	status, err := c.cfg.API.GetConnectionStatus(confirmCtx, userID)

	c.mu.Lock()
	if !c.liveLocked(opDisconnect, gen) {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.mu.Unlock()
			return ErrSuperseded
		}
		failure := c.revertLocked(previous, "disconnect", err)
		c.mu.Unlock()
		return failure
	}
	fireConnected := c.commitStatusLocked(status)
	c.mu.Unlock()

	if fireConnected && c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
	return nil
}

// commitStatusLocked applies a fresh status and reports whether OnConnected
// should fire.
func (c *Connector) commitStatusLocked(status ConnectionStatus) bool {
	c.status = status
	if status.Connected {
		c.state = StateConnected
	} else {
		c.state = StateDisconnected
	}
	fire := status.Connected && !c.wasConnected
	c.wasConnected = status.Connected
	return fire
}

// failLocked records an operation failure and emits its single notification.
func (c *Connector) failLocked(operation string, err error) error {
	kind := KindOf(err)
	failure := NewFailure(kind, err)
	c.state = StateError
	c.status.Error = failure.Error()
	c.notifyFailureLocked(kind, operation)
	return failure
}

// revertLocked restores the previous connected status after a failed
// disconnect flow and emits its single notification.
func (c *Connector) revertLocked(previous ConnectionStatus, operation string, err error) error {
	kind := KindOf(err)
	failure := NewFailure(kind, err)
	c.state = StateConnected
	c.status = previous
	c.wasConnected = previous.Connected
	c.notifyFailureLocked(kind, operation)
	return failure
}

func (c *Connector) notifyFailureLocked(kind FailureKind, operation string) {
	n, ok := failureNotification(kind, operation)
	if !ok {
		return
	}
	c.cfg.Notifier.Notify(n)
}

// failureNotification maps a failure kind to its user-facing message.
// UserCancelled is silent.
func failureNotification(kind FailureKind, operation string) (notify.Notification, bool) {
	switch kind {
	case FailureTimeout:
		return notify.Notification{
			Kind:    notify.KindError,
			Title:   "Request timed out",
			Message: fmt.Sprintf("The %s took too long. Please try again.", operation),
		}, true
	case FailureInvalidResponse:
		return notify.Notification{
			Kind:    notify.KindError,
			Title:   "Unexpected response",
			Message: fmt.Sprintf("The integration service returned an unexpected response during %s.", operation),
		}, true
	case FailureSecurity:
		return notify.Notification{
			Kind:    notify.KindError,
			Title:   "Unsafe authorization address",
			Message: "The sign-in address did not belong to the integration provider, so the connection was blocked.",
		}, true
	case FailureUserCancelled:
		return notify.Notification{}, false
	default:
		return notify.Notification{
			Kind:    notify.KindError,
			Title:   "Connection failed",
			Message: fmt.Sprintf("Could not reach the integration service during %s.", operation),
		}, true
	}
}

func (c *Connector) currentSession(ctx context.Context) session.Session {
	if c.cfg.Session == nil {
		return session.Anonymous()
	}
	return c.cfg.Session(ctx)
}

// ResolveRedirectTarget computes where the OAuth hand-off should return the
// user. Precedence: a valid explicit hint; the next onboarding step when the
// current screen is inside the flow; the integrations settings screen once
// onboarding is complete; otherwise the first onboarding step.
func ResolveRedirectTarget(sess session.Session, currentPath, explicitRedirect string) string {
	if hint, ok := navigation.SanitizeRedirect(explicitRedirect); ok {
		return hint
	}
	if routepath.IsOnboarding(currentPath) {
		return routepath.NextOnboardingStep(currentPath)
	}
	if sess.OnboardingComplete() {
		return routepath.SettingsIntegrations
	}
	return routepath.OnboardingEntry
}

// CallbackEvent is a parsed OAuth callback indicator.
type CallbackEvent struct {
	Success      bool
	ErrorMessage string

	key string
}

// ParseCallback extracts the OAuth callback indicator from query parameters.
// The contract is oauth_success=true or oauth_error=<url-encoded message>.
func ParseCallback(query url.Values) (CallbackEvent, bool) {
	if query.Get("oauth_success") == "true" {
		return CallbackEvent{Success: true, key: "success"}, true
	}
	if msg := query.Get("oauth_error"); msg != "" {
		return CallbackEvent{ErrorMessage: msg, key: "error\x00" + msg}, true
	}
	return CallbackEvent{}, false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
