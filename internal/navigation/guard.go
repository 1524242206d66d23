// Package navigation computes the single authoritative destination for every
// route change: stay, redirect, or hold while session state loads.
//
// Evaluate is pure. The caller performs the actual navigation and re-runs
// the guard whenever the session snapshot or the path changes.
package navigation

import (
	"net/url"
	"strings"

	"github.com/driftline/atrium/internal/navigation/routepath"
	"github.com/driftline/atrium/internal/session"
)

// Action describes what the caller should do with the current route.
type Action int

const (
	// ActionPending means session state is still loading; render a neutral
	// loading state, never protected content.
	ActionPending Action = iota
	// ActionAllow means the requested path may be shown.
	ActionAllow
	// ActionRedirect means the caller must navigate to Decision.Target.
	ActionRedirect
)

// String returns the action's wire name.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionRedirect:
		return "redirect"
	default:
		return "pending"
	}
}

// Decision is the guard's verdict for one (session, path) pair.
type Decision struct {
	Action Action
	Target string
}

// Pending returns the decision for an unresolved session.
func Pending() Decision {
	return Decision{Action: ActionPending}
}

// Allow returns the decision that keeps the current path.
func Allow() Decision {
	return Decision{Action: ActionAllow}
}

// RedirectTo returns the decision that navigates to target.
func RedirectTo(target string) Decision {
	return Decision{Action: ActionRedirect, Target: target}
}

// Evaluate computes the destination for the requested path given the current
// session and an optional redirect hint (e.g. a redirect= query parameter).
//
// The rules run in strict priority order; the first match wins. Evaluate is
// idempotent: re-running it on the redirect target yields Allow, so redirect
// chains stabilize within two steps.
func Evaluate(s session.Session, path string, explicitRedirect string) Decision {
	if !s.Resolved {
		return Pending()
	}
	path = normalizePath(path)
	hint, hintOK := SanitizeRedirect(explicitRedirect)

	if !s.Authenticated && routepath.RequiresAuth(path) && !routepath.IsAuthEntry(path) {
		return RedirectTo(routepath.Login)
	}

	if s.Authenticated {
		complete := s.OnboardingComplete()

		if routepath.RequiresOnboarding(path) && !complete && !routepath.IsOnboarding(path) {
			return RedirectTo(routepath.OnboardingEntry)
		}
		if routepath.IsAuthEntry(path) {
			return RedirectTo(postLoginDestination(s, hint, hintOK))
		}
		if !complete && !routepath.IsOnboarding(path) && !routepath.AllowedDuringOnboarding(path) {
			return RedirectTo(routepath.OnboardingEntry)
		}
		if complete && routepath.IsOnboarding(path) {
			return RedirectTo(routepath.Home)
		}
	}

	if hintOK && normalizePath(hintPath(hint)) != path && !routepath.IsAuthEntry(path) && !routepath.IsOnboarding(path) &&
		hintReachable(s, hint) {
		return RedirectTo(hint)
	}

	return Allow()
}

// postLoginDestination picks where an authenticated user lands when leaving
// an auth-entry screen. Hints the user cannot stay on (auth-entry screens,
// gated routes) would redirect again and are ignored.
func postLoginDestination(s session.Session, hint string, hintOK bool) string {
	if hintOK && hintReachable(s, hint) {
		return hint
	}
	return routepath.Home
}

// hintReachable reports whether following the hint would land on a path the
// guard allows as-is. Hints that would trigger another redirect are ignored,
// keeping every redirect chain one hop long.
func hintReachable(s session.Session, hint string) bool {
	return Evaluate(s, hintPath(hint), "").Action == ActionAllow
}

// SanitizeRedirect validates a redirect hint. Only same-origin relative
// paths with exactly one leading slash are followed; absolute URLs,
// protocol-relative prefixes, and backslash tricks are treated as absent.
func SanitizeRedirect(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '/' {
		return "", false
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	return raw, true
}

// hintPath strips any query or fragment so hints compare against bare paths.
func hintPath(hint string) string {
	if i := strings.IndexAny(hint, "?#"); i >= 0 {
		return hint[:i]
	}
	return hint
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return routepath.Root
	}
	if path != routepath.Root {
		path = strings.TrimSuffix(path, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
