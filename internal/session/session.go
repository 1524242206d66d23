// Package session defines the read-only session view shared by the
// navigation guard and the integration connector.
//
// The orchestrator never mutates session state. Logins, logouts, and
// onboarding completion are owned by the host application; components here
// receive point-in-time snapshots and re-evaluate when a new snapshot is
// delivered.
package session

import "errors"

// ErrInvalidSession indicates a session that violates the ownership
// invariant: an unauthenticated session must not carry a user.
var ErrInvalidSession = errors.New("unauthenticated session must not carry a user")

// ErrUnknownUser indicates an operation on a user that does not exist.
var ErrUnknownUser = errors.New("unknown user")

// User identifies the signed-in account and its onboarding progress.
type User struct {
	ID                  string
	OnboardingCompleted bool
}

// Session is a point-in-time view of authentication state.
//
// Resolved reports whether the state has finished loading. Callers must not
// act on Authenticated or User until Resolved is true; the navigation guard
// reports Pending for unresolved sessions.
type Session struct {
	Resolved      bool
	Authenticated bool
	User          *User
}

// Unresolved returns a session whose state is still loading.
func Unresolved() Session {
	return Session{}
}

// Anonymous returns a resolved session with no signed-in user.
func Anonymous() Session {
	return Session{Resolved: true}
}

// ForUser returns a resolved, authenticated session for the given user.
func ForUser(user User) Session {
	u := user
	return Session{Resolved: true, Authenticated: true, User: &u}
}

// Validate checks the session invariant.
func (s Session) Validate() error {
	if !s.Authenticated && s.User != nil {
		return ErrInvalidSession
	}
	if s.Authenticated && s.User == nil {
		return ErrInvalidSession
	}
	return nil
}

// OnboardingComplete reports whether the signed-in user finished onboarding.
// It is false for anonymous and unresolved sessions.
func (s Session) OnboardingComplete() bool {
	return s.Authenticated && s.User != nil && s.User.OnboardingCompleted
}

// UserID returns the signed-in user's ID, or "" when anonymous.
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
