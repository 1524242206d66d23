// Package authctx carries the resolved session snapshot through the request
// context so handlers never re-resolve it.
package authctx

import (
	"context"

	"github.com/driftline/atrium/internal/session"
)

type sessionKey struct{}

// WithSession returns a context carrying the session snapshot.
func WithSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session snapshot from the context. A context
// without one yields an unresolved session, which the guard treats as a
// pending decision rather than a denial.
func SessionFrom(ctx context.Context) session.Session {
	if ctx == nil {
		return session.Unresolved()
	}
	s, ok := ctx.Value(sessionKey{}).(session.Session)
	if !ok {
		return session.Unresolved()
	}
	return s
}
