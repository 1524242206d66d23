package web

import (
	"context"
	"sync"

	"github.com/driftline/atrium/internal/integration"
	"github.com/driftline/atrium/internal/notify"
	"github.com/driftline/atrium/internal/web/authctx"
)

type confirmKey struct{}

func withConfirm(ctx context.Context, confirmed bool) context.Context {
	return context.WithValue(ctx, confirmKey{}, confirmed)
}

func confirmFrom(ctx context.Context) bool {
	confirmed, _ := ctx.Value(confirmKey{}).(bool)
	return confirmed
}

// navCapture receives the authorization URL from the connector's navigate
// hook so the handling request can turn it into a redirect. Connect calls
// are serialized per connector, so the slot holds at most one URL.
type navCapture struct {
	mu  sync.Mutex
	url string
}

func (n *navCapture) set(u string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.url = u
}

func (n *navCapture) take() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	u := n.url
	n.url = ""
	return u
}

// noticeBuffer accumulates notifications until the feed endpoint drains them.
type noticeBuffer struct {
	mu      sync.Mutex
	pending []notify.Notification
}

func (b *noticeBuffer) append(n notify.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, n)
}

func (b *noticeBuffer) drain() []notify.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.pending
	b.pending = nil
	return drained
}

// connectorEntry bundles one user's connector with its notification plumbing.
type connectorEntry struct {
	conn    *integration.Connector
	hub     *notify.Hub
	nav     *navCapture
	notices *noticeBuffer
	sub     *notify.Subscription
}

func (e *connectorEntry) close() {
	e.conn.Close()
	e.sub.Unsubscribe()
	e.hub.Close()
}

// connectorPool lazily creates one connector per user. Each connector gets
// its own debouncing hub so one user's toasts never reach another's feed.
type connectorPool struct {
	api      integration.API
	allowURL func(string) bool

	mu      sync.Mutex
	closed  bool
	entries map[string]*connectorEntry
}

func newConnectorPool(api integration.API, allowURL func(string) bool) *connectorPool {
	return &connectorPool{
		api:      api,
		allowURL: allowURL,
		entries:  make(map[string]*connectorEntry),
	}
}

func (p *connectorPool) get(userID string) (*connectorEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, integration.ErrClosed
	}
	if entry, ok := p.entries[userID]; ok {
		return entry, nil
	}

	hub := notify.NewHub()
	nav := &navCapture{}
	notices := &noticeBuffer{}
	sub := hub.Subscribe(notices.append)

	conn, err := integration.NewConnector(integration.Config{
		API:      p.api,
		Notifier: hub,
		AllowURL: p.allowURL,
		Session:  authctx.SessionFrom,
		Navigate: nav.set,
		Confirm: integration.ConfirmerFunc(func(ctx context.Context, _ string) bool {
			return confirmFrom(ctx)
		}),
	})
	if err != nil {
		sub.Unsubscribe()
		hub.Close()
		return nil, err
	}

	entry := &connectorEntry{conn: conn, hub: hub, nav: nav, notices: notices, sub: sub}
	p.entries[userID] = entry
	return entry, nil
}

// drop closes and forgets the user's connector, aborting in-flight work.
func (p *connectorPool) drop(userID string) {
	p.mu.Lock()
	entry, ok := p.entries[userID]
	if ok {
		delete(p.entries, userID)
	}
	p.mu.Unlock()
	if ok {
		entry.close()
	}
}

func (p *connectorPool) closeAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*connectorEntry)
	p.mu.Unlock()
	for _, entry := range entries {
		entry.close()
	}
}
