package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind classifies an operation failure for user-facing wording.
type FailureKind int

const (
	// FailureNetwork covers generic transport failures.
	FailureNetwork FailureKind = iota
	// FailureTimeout marks a client-enforced deadline expiring.
	FailureTimeout
	// FailureInvalidResponse marks a malformed or incomplete server payload.
	FailureInvalidResponse
	// FailureSecurity marks an authorization URL that failed origin
	// validation. It is fatal: the URL is never navigated to.
	FailureSecurity
	// FailureUserCancelled marks a declined confirmation. Not an error
	// condition; it is never surfaced as a notification.
	FailureUserCancelled
)

// String returns the kind's wire/display name.
func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureInvalidResponse:
		return "invalid_response"
	case FailureSecurity:
		return "security_violation"
	case FailureUserCancelled:
		return "user_cancelled"
	default:
		return "network_error"
	}
}

// Failure is an operation error carrying its classification.
type Failure struct {
	Kind FailureKind
	Err  error
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with a classification.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf classifies an arbitrary error from the remote API layer. Deadline
// expiry maps to FailureTimeout; an existing Failure keeps its kind;
// everything else is a network failure.
func KindOf(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureNetwork
}

// ErrSuperseded is returned by an operation whose result was discarded
// because a newer operation of the same kind took over, or because the
// connector was closed mid-flight.
var ErrSuperseded = errors.New("operation superseded")

// ErrClosed is returned when an operation starts on a closed connector.
var ErrClosed = errors.New("connector is closed")

// ErrInvalidState is returned when an operation is invoked from a state the
// lifecycle does not permit.
var ErrInvalidState = errors.New("operation not valid in current state")
