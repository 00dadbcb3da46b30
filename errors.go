package cocol

import (
	"errors"
	"fmt"
)

// Error kinds surfaced across the package boundary, per the error taxonomy:
// Retired, Timeout, Overflow, Cancelled, plus any error propagated from a
// user-supplied commit callback (wrapped as a *UserError).
var (
	// ErrRetired is returned when an operation targets a channel that is, or
	// becomes, retired.
	ErrRetired = errors.New("cocol: channel retired")

	// ErrTimeout is returned when an operation's deadline elapses before a
	// rendezvous occurs.
	ErrTimeout = errors.New("cocol: deadline exceeded")

	// ErrOverflow is returned when an operation (or one evicted by it)
	// exceeds its queue's capacity under a non-accommodating overflow
	// policy.
	ErrOverflow = errors.New("cocol: queue overflow")

	// ErrCancelled is returned when an operation's offer declines before a
	// match - most commonly because a sibling of the same [ExternalChoice]
	// committed first - and by Channel and BroadcastChannel Read/Write when
	// the caller's context is cancelled while the request is still queued.
	// [ExternalChoice] skips cancelled candidates while racing them; it
	// returns ErrCancelled itself only when no candidate won and its own
	// deadline did not fire (for instance, when it is given no requests).
	ErrCancelled = errors.New("cocol: operation cancelled")

	// ErrFairChoiceUnsupported is returned by [ExternalChoice] when called
	// with [Fair]: fair rotation requires a stateful set that remembers its
	// last-chosen index, which is out of scope for the ad-hoc choice driver.
	ErrFairChoiceUnsupported = errors.New("cocol: Fair policy requires a stateful MultiChannelSet, not supported by ad-hoc ExternalChoice")
)

// UserError wraps an error raised by a user-supplied [Offer] commit
// callback. Per the failure semantics, such an error propagates out of
// Commit and is never suppressed; the offer is nonetheless marked taken,
// since the point of no return was already passed.
type UserError struct {
	Err error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	return fmt.Sprintf("cocol: user callback error: %v", e.Err)
}

// Unwrap returns the wrapped error, enabling [errors.Is] and [errors.As]
// against the original cause.
func (e *UserError) Unwrap() error {
	return e.Err
}

// wrapUserError wraps err as a *UserError, unless it is already nil.
func wrapUserError(err error) error {
	if err == nil {
		return nil
	}
	return &UserError{Err: err}
}
