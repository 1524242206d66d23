package integration

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/driftline/atrium/internal/navigation/routepath"
	"github.com/driftline/atrium/internal/notify"
	"github.com/driftline/atrium/internal/session"
)

type fakeAPI struct {
	getStatus  func(ctx context.Context, userID string) (ConnectionStatus, error)
	startOAuth func(ctx context.Context, redirectTarget string) (string, error)
	disconnect func(ctx context.Context, userID string) error
}

func (f *fakeAPI) GetConnectionStatus(ctx context.Context, userID string) (ConnectionStatus, error) {
	if f.getStatus == nil {
		return ConnectionStatus{}, nil
	}
	return f.getStatus(ctx, userID)
}

func (f *fakeAPI) StartOAuth(ctx context.Context, redirectTarget string) (string, error) {
	if f.startOAuth == nil {
		return "", errors.New("unexpected StartOAuth call")
	}
	return f.startOAuth(ctx, redirectTarget)
}

func (f *fakeAPI) DisconnectIntegration(ctx context.Context, userID string) error {
	if f.disconnect == nil {
		return errors.New("unexpected DisconnectIntegration call")
	}
	return f.disconnect(ctx, userID)
}

type sinkRecorder struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (s *sinkRecorder) Notify(n notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, n)
}

func (s *sinkRecorder) all() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.seen...)
}

func connectedStatus() ConnectionStatus {
	return ConnectionStatus{Connected: true, AccountIdentifier: "ada@example.com", Scopes: []string{"email.read"}}
}

func noSleep(context.Context, time.Duration) error { return nil }

func confirmYes() Confirmer {
	return ConfirmerFunc(func(context.Context, string) bool { return true })
}

func newTestConnector(t *testing.T, cfg Config) *Connector {
	t.Helper()
	if cfg.Sleep == nil {
		cfg.Sleep = noSleep
	}
	c, err := NewConnector(cfg)
	if err != nil {
		t.Fatalf("NewConnector() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNewConnectorRequiresAPI(t *testing.T) {
	t.Parallel()

	if _, err := NewConnector(Config{}); err == nil {
		t.Fatal("expected error without api")
	}
}

func TestCheckStatusCommitsConnected(t *testing.T) {
	t.Parallel()

	var connectedFired int
	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		return connectedStatus(), nil
	}}
	c := newTestConnector(t, Config{API: api, OnConnected: func() { connectedFired++ }})

	if got := c.State(); got != StateUnknown {
		t.Fatalf("initial state = %v, want StateUnknown", got)
	}
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want StateConnected", got)
	}
	if got := c.Status().AccountIdentifier; got != "ada@example.com" {
		t.Fatalf("AccountIdentifier = %q", got)
	}
	if connectedFired != 1 {
		t.Fatalf("OnConnected fired %d times, want 1", connectedFired)
	}

	// A second check while already connected must not re-fire OnConnected.
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() second call error = %v", err)
	}
	if connectedFired != 1 {
		t.Fatalf("OnConnected fired %d times after re-check, want 1", connectedFired)
	}
}

func TestCheckStatusTimeoutNotifiesOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		return ConnectionStatus{}, context.DeadlineExceeded
	}}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{API: api, Notifier: sink})

	err := c.CheckStatus(context.Background(), "u-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != FailureTimeout {
		t.Fatalf("error = %v, want timeout failure", err)
	}
	if got := c.State(); got != StateError {
		t.Fatalf("state = %v, want StateError", got)
	}

	seen := sink.all()
	if len(seen) != 1 {
		t.Fatalf("notifications = %d, want 1", len(seen))
	}
	if seen[0].Title != "Request timed out" {
		t.Fatalf("notification title = %q, want timeout wording", seen[0].Title)
	}
}

// TestCheckStatusCancellation verifies that a superseded status check never
// overwrites the result of the one that replaced it, even when the stale
// call resolves later.
func TestCheckStatusCancellation(t *testing.T) {
	t.Parallel()

	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	var calls int
	var mu sync.Mutex

	api := &fakeAPI{getStatus: func(ctx context.Context, _ string) (ConnectionStatus, error) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()
		if call == 1 {
			close(firstEntered)
			<-releaseFirst
			// Resolve successfully despite the cancelled context, simulating
			// a stale response landing late.
			return ConnectionStatus{Connected: false, Error: "stale"}, nil
		}
		return connectedStatus(), nil
	}}
	c := newTestConnector(t, Config{API: api})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- c.CheckStatus(context.Background(), "u-1")
	}()
	<-firstEntered

	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("second CheckStatus() error = %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state after second check = %v, want StateConnected", got)
	}

	close(releaseFirst)
	if err := <-firstDone; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("first CheckStatus() error = %v, want ErrSuperseded", err)
	}

	// The stale first result must not have overwritten the second's.
	if got := c.State(); got != StateConnected {
		t.Fatalf("state after stale resolution = %v, want StateConnected", got)
	}
	if got := c.Status().Error; got != "" {
		t.Fatalf("status error = %q, want empty", got)
	}
}

func TestCheckStatusAfterCloseDoesNotMutate(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{getStatus: func(ctx context.Context, _ string) (ConnectionStatus, error) {
		close(entered)
		<-release
		return connectedStatus(), nil
	}}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{API: api, Notifier: sink})

	done := make(chan error, 1)
	go func() {
		done <- c.CheckStatus(context.Background(), "u-1")
	}()
	<-entered
	c.Close()
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("CheckStatus() error = %v, want ErrSuperseded", err)
	}
	if got := c.State(); got == StateConnected {
		t.Fatal("closed connector must not commit state")
	}
	if len(sink.all()) != 0 {
		t.Fatal("closed connector must not notify")
	}
}

func TestConnectRequiresRestState(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newTestConnector(t, Config{API: api})

	err := c.Connect(context.Background(), routepath.SettingsIntegrations, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Connect() from StateUnknown error = %v, want ErrInvalidState", err)
	}
}

func TestConnectNavigatesToValidatedURL(t *testing.T) {
	t.Parallel()

	const authURL = "https://accounts.google.com/o/oauth2/v2/auth?state=s1"
	var gotTarget string
	api := &fakeAPI{
		getStatus: func(context.Context, string) (ConnectionStatus, error) {
			return ConnectionStatus{Connected: false}, nil
		},
		startOAuth: func(_ context.Context, redirectTarget string) (string, error) {
			gotTarget = redirectTarget
			return authURL, nil
		},
	}
	var navigated []string
	c := newTestConnector(t, Config{
		API:      api,
		AllowURL: func(raw string) bool { return raw == authURL },
		Session: func(context.Context) session.Session {
			return session.ForUser(session.User{ID: "u-1", OnboardingCompleted: true})
		},
		Navigate: func(u string) { navigated = append(navigated, u) },
	})
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	if err := c.Connect(context.Background(), routepath.SettingsIntegrations, ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.State(); got != StateAwaitingCallback {
		t.Fatalf("state = %v, want StateAwaitingCallback", got)
	}
	if len(navigated) != 1 || navigated[0] != authURL {
		t.Fatalf("navigated = %v, want [%q]", navigated, authURL)
	}
	if gotTarget != routepath.SettingsIntegrations {
		t.Fatalf("redirect target = %q, want %q", gotTarget, routepath.SettingsIntegrations)
	}
}

// TestConnectRejectsSpoofedAuthorizationURL is the hard security invariant:
// a URL outside the provider allow-list is never navigated to.
func TestConnectRejectsSpoofedAuthorizationURL(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		getStatus: func(context.Context, string) (ConnectionStatus, error) {
			return ConnectionStatus{Connected: false}, nil
		},
		startOAuth: func(context.Context, string) (string, error) {
			return "https://accounts.google.com.evil.example/auth", nil
		},
	}
	sink := &sinkRecorder{}
	var navigated int
	c := newTestConnector(t, Config{
		API:      api,
		Notifier: sink,
		AllowURL: func(raw string) bool { return raw == "https://accounts.google.com/auth" },
		Navigate: func(string) { navigated++ },
	})
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	err := c.Connect(context.Background(), routepath.SettingsIntegrations, "")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != FailureSecurity {
		t.Fatalf("Connect() error = %v, want security failure", err)
	}
	if navigated != 0 {
		t.Fatal("must not navigate to a spoofed authorization URL")
	}
	if got := c.State(); got != StateError {
		t.Fatalf("state = %v, want StateError", got)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sink.all()))
	}
}

func TestResolveRedirectTarget(t *testing.T) {
	t.Parallel()

	onboarding := session.ForUser(session.User{ID: "u-1"})
	complete := session.ForUser(session.User{ID: "u-1", OnboardingCompleted: true})

	cases := []struct {
		name     string
		sess     session.Session
		path     string
		explicit string
		want     string
	}{
		{"explicit valid hint wins", complete, routepath.SettingsIntegrations, "/crm", "/crm"},
		{"absolute hint ignored", complete, routepath.SettingsIntegrations, "https://evil.example/", routepath.SettingsIntegrations},
		{"onboarding advances to next step", onboarding, routepath.OnboardingMailbox, "", routepath.OnboardingFinish},
		{"complete lands on settings", complete, routepath.Dashboard, "", routepath.SettingsIntegrations},
		{"incomplete falls back to first step", onboarding, routepath.Dashboard, "", routepath.OnboardingEntry},
	}
	for _, tc := range cases {
		if got := ResolveRedirectTarget(tc.sess, tc.path, tc.explicit); got != tc.want {
			t.Fatalf("%s: ResolveRedirectTarget() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

// TestHandleCallbackAtMostOnce simulates render-twice behavior: repeated
// invocations with the same oauth_success query issue exactly one status
// check and at most one success notification.
func TestHandleCallbackAtMostOnce(t *testing.T) {
	t.Parallel()

	var statusCalls int
	var mu sync.Mutex
	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		mu.Lock()
		statusCalls++
		mu.Unlock()
		return connectedStatus(), nil
	}}
	sink := &sinkRecorder{}
	var strips int
	c := newTestConnector(t, Config{
		API:        api,
		Notifier:   sink,
		StripQuery: func() { strips++ },
	})

	query := url.Values{"oauth_success": []string{"true"}}
	for i := 0; i < 3; i++ {
		if err := c.HandleCallback(context.Background(), "u-1", query); err != nil {
			t.Fatalf("HandleCallback() call %d error = %v", i+1, err)
		}
	}

	if statusCalls != 1 {
		t.Fatalf("status checks = %d, want 1", statusCalls)
	}
	if strips != 1 {
		t.Fatalf("query strips = %d, want 1", strips)
	}
	var successes int
	for _, n := range sink.all() {
		if n.Kind == notify.KindSuccess {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("success notifications = %d, want 1", successes)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want StateConnected", got)
	}
}

func TestHandleCallbackStripsBeforeStatusCheck(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		mu.Lock()
		order = append(order, "status")
		mu.Unlock()
		return connectedStatus(), nil
	}}
	c := newTestConnector(t, Config{
		API: api,
		StripQuery: func() {
			mu.Lock()
			order = append(order, "strip")
			mu.Unlock()
		},
	})

	if err := c.HandleCallback(context.Background(), "u-1", url.Values{"oauth_success": []string{"true"}}); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if len(order) != 2 || order[0] != "strip" || order[1] != "status" {
		t.Fatalf("order = %v, want [strip status]", order)
	}
}

func TestHandleCallbackErrorIndicator(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		return ConnectionStatus{}, errors.New("must not be called")
	}}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{API: api, Notifier: sink})

	query, err := url.ParseQuery("oauth_error=access%20was%20denied")
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	if err := c.HandleCallback(context.Background(), "u-1", query); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if got := c.State(); got != StateError {
		t.Fatalf("state = %v, want StateError", got)
	}
	seen := sink.all()
	if len(seen) != 1 {
		t.Fatalf("notifications = %d, want 1", len(seen))
	}
	if seen[0].Message != "access was denied" {
		t.Fatalf("message = %q, want decoded error", seen[0].Message)
	}
}

func TestHandleCallbackNoIndicatorIsNoop(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		return ConnectionStatus{}, errors.New("must not be called")
	}}
	var strips int
	c := newTestConnector(t, Config{API: api, StripQuery: func() { strips++ }})

	if err := c.HandleCallback(context.Background(), "u-1", url.Values{"tab": []string{"deals"}}); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if strips != 0 {
		t.Fatal("must not strip query without an oauth indicator")
	}
}

func TestHandleCallbackSuccessWithoutConfirmedConnectionStaysSilent(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{getStatus: func(context.Context, string) (ConnectionStatus, error) {
		return ConnectionStatus{Connected: false}, nil
	}}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{API: api, Notifier: sink})

	if err := c.HandleCallback(context.Background(), "u-1", url.Values{"oauth_success": []string{"true"}}); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	for _, n := range sink.all() {
		if n.Kind == notify.KindSuccess {
			t.Fatal("success notification fired before status confirmed connection")
		}
	}
}

func TestDisconnectDeclinedIsSilentNoop(t *testing.T) {
	t.Parallel()

	var disconnects int
	api := &fakeAPI{
		getStatus: func(context.Context, string) (ConnectionStatus, error) {
			return connectedStatus(), nil
		},
		disconnect: func(context.Context, string) error {
			disconnects++
			return nil
		},
	}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{
		API:      api,
		Notifier: sink,
		Confirm:  ConfirmerFunc(func(context.Context, string) bool { return false }),
	})
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	err := c.Disconnect(context.Background(), "u-1")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != FailureUserCancelled {
		t.Fatalf("Disconnect() error = %v, want user-cancelled failure", err)
	}
	if disconnects != 0 {
		t.Fatal("declined confirmation must not issue a disconnect request")
	}
	if len(sink.all()) != 0 {
		t.Fatalf("notifications = %d, want none for a declined disconnect", len(sink.all()))
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want StateConnected", got)
	}
}

func TestDisconnectSuccess(t *testing.T) {
	t.Parallel()

	var statusCalls int
	api := &fakeAPI{
		getStatus: func(context.Context, string) (ConnectionStatus, error) {
			statusCalls++
			if statusCalls == 1 {
				return connectedStatus(), nil
			}
			return ConnectionStatus{Connected: false}, nil
		},
		disconnect: func(context.Context, string) error { return nil },
	}
	c := newTestConnector(t, Config{API: api, Confirm: confirmYes()})
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	if err := c.Disconnect(context.Background(), "u-1"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want StateDisconnected", got)
	}
	if statusCalls != 2 {
		t.Fatalf("status calls = %d, want 2 (initial + confirming)", statusCalls)
	}
}

// TestDisconnectConfirmCheckFailureReverts is the disconnect-then-check-fails
// scenario: the previous connected status is restored and exactly one
// network-error notification fires.
func TestDisconnectConfirmCheckFailureReverts(t *testing.T) {
	t.Parallel()

	var statusCalls int
	api := &fakeAPI{
		getStatus: func(context.Context, string) (ConnectionStatus, error) {
			statusCalls++
			if statusCalls == 1 {
				return connectedStatus(), nil
			}
			return ConnectionStatus{}, errors.New("connection refused")
		},
		disconnect: func(context.Context, string) error { return nil },
	}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{API: api, Notifier: sink, Confirm: confirmYes()})
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	err := c.Disconnect(context.Background(), "u-1")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != FailureNetwork {
		t.Fatalf("Disconnect() error = %v, want network failure", err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want reverted StateConnected", got)
	}
	if got := c.Status().AccountIdentifier; got != "ada@example.com" {
		t.Fatalf("AccountIdentifier = %q, want previous status restored", got)
	}
	seen := sink.all()
	if len(seen) != 1 {
		t.Fatalf("notifications = %d, want 1", len(seen))
	}
	if seen[0].Kind != notify.KindError {
		t.Fatalf("notification kind = %q, want error", seen[0].Kind)
	}
}

func TestDisconnectRequestFailureReverts(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		getStatus: func(context.Context, string) (ConnectionStatus, error) {
			return connectedStatus(), nil
		},
		disconnect: func(context.Context, string) error {
			return errors.New("boom")
		},
	}
	sink := &sinkRecorder{}
	c := newTestConnector(t, Config{API: api, Notifier: sink, Confirm: confirmYes()})
	if err := c.CheckStatus(context.Background(), "u-1"); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	if err := c.Disconnect(context.Background(), "u-1"); err == nil {
		t.Fatal("expected error")
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want StateConnected", got)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sink.all()))
	}
}

func TestParseCallback(t *testing.T) {
	t.Parallel()

	if _, ok := ParseCallback(url.Values{}); ok {
		t.Fatal("empty query must not parse as a callback")
	}

	event, ok := ParseCallback(url.Values{"oauth_success": []string{"true"}})
	if !ok || !event.Success {
		t.Fatalf("ParseCallback(success) = (%+v, %t)", event, ok)
	}

	event, ok = ParseCallback(url.Values{"oauth_error": []string{"denied"}})
	if !ok || event.Success || event.ErrorMessage != "denied" {
		t.Fatalf("ParseCallback(error) = (%+v, %t)", event, ok)
	}
}
