package cocol

import (
	"context"
	"sync/atomic"

	lock "github.com/viney-shih/go-lock"
)

// Offer implements the TwoPhaseOffer protocol: a single-acceptance arbiter
// that lets one logical caller tentatively bind to multiple channels, yet
// be accepted by at most one.
//
// The protocol is a three-step handshake a channel invokes on every
// candidate operation it considers:
//
//	Offer(ctx)  -> (bool, error)  // may suspend
//	Commit()    -> error
//	Withdraw()
//
// Offer returns true exactly once per offer lifetime; subsequent calls
// return false without blocking. If another caller currently holds the
// offer (has received true but not yet called Commit/Withdraw), the caller
// suspends: it resumes with false if the holder commits (the offer is now
// consumed) or true if the holder withdraws (the offer is free again, retry).
//
// Commit must only be called by a caller that received a true Offer and has
// decided to proceed. It latches the offer taken, invokes the optional
// commit callback, then releases the lock and resolves every suspended
// waiter with false.
//
// Withdraw must only be called by a caller that received a true Offer and
// has decided not to proceed on this channel. It releases the lock; if
// waiters are queued, exactly one is resumed with true, otherwise the offer
// is simply unlocked.
//
// A nil *Offer is a valid, degenerate "no offer" value: every method on it
// behaves as unconditionally acceptable, requiring no commit or withdraw -
// this is the variant Channel uses internally for offerless operations.
type Offer struct {
	// stateMu guards the fields below; it is the offer's own internal lock,
	// distinct from the "held" state it arbitrates (that state transitions
	// while stateMu is briefly acquired, then released before the caller
	// does its match-loop work).
	stateMu lock.Mutex

	held     bool
	taken    bool
	timedOut bool
	waiters  []chan bool

	firstCommitter atomic.Bool

	deadline       Deadline
	commitCallback func() error

	expHandle *expireHandle

	// settleCh closes exactly once, the moment taken transitions to true
	// (whichever of Commit/fireTimeout/cancel got there first). It lets a
	// caller such as ExternalChoice observe "this offer is now settled"
	// without polling IsTaken/TimedOut.
	settleCh chan struct{}
}

// NewOffer creates an Offer with the given deadline (the deadline governs
// the *offer's* overall lifetime - e.g. an [ExternalChoice]'s timeout - not
// any individual channel submission, which should be submitted with
// [Infinite] since "the offer owns the deadline").
func NewOffer(deadline Deadline) *Offer {
	return &Offer{
		stateMu:  lock.NewCASMutex(),
		deadline: deadline,
		settleCh: make(chan struct{}),
	}
}

// Resolved returns a channel that closes once the offer is taken, by
// whichever path gets there first - a winning Commit, the offer's own
// deadline firing, or an owning context being cancelled.
func (o *Offer) Resolved() <-chan struct{} {
	if o == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return o.settleCh
}

// WithCommitCallback attaches a callback invoked synchronously inside
// Commit, after the offer latches taken but before suspended waiters are
// released. An error returned from the callback propagates out of Commit
// unchanged (wrapped as a *[UserError] by the caller, typically a Channel).
func (o *Offer) WithCommitCallback(cb func() error) *Offer {
	if o == nil {
		return nil
	}
	o.commitCallback = cb
	return o
}

// Offer attempts to acquire the offer's lock. It returns (true, nil)
// exactly once over the offer's lifetime; once that caller resolves the
// hold (via Commit or Withdraw), later callers that arrive see either a
// latched "taken" (and get false immediately) or an available lock (and
// may acquire it themselves).
//
// If another caller currently holds the lock, this call suspends - a
// cooperative suspension point, parking the calling goroutine rather than
// an OS thread - until the holder resolves. ctx cancellation unblocks the
// wait without affecting the offer's state.
func (o *Offer) Offer(ctx context.Context) (bool, error) {
	if o == nil {
		return true, nil
	}
	for {
		o.stateMu.Lock()
		if o.taken {
			o.stateMu.Unlock()
			return false, nil
		}
		if !o.held {
			o.held = true
			o.stateMu.Unlock()
			return true, nil
		}
		waiter := make(chan bool, 1)
		o.waiters = append(o.waiters, waiter)
		o.stateMu.Unlock()

		select {
		case retry := <-waiter:
			if !retry {
				// holder committed: the offer is consumed.
				return false, nil
			}
			// holder withdrew: the offer is free again, loop and retry.
			continue
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Commit latches the offer as taken, runs the optional commit callback, and
// releases every suspended waiter with false (the offer is consumed). It
// must only be called by a caller that received true from Offer.
func (o *Offer) Commit() error {
	if o == nil {
		return nil
	}
	o.stateMu.Lock()
	if !o.taken {
		close(o.settleCh)
	}
	o.taken = true
	o.held = false
	cb := o.commitCallback
	waiters := o.waiters
	o.waiters = nil
	o.stateMu.Unlock()

	var err error
	if cb != nil {
		err = cb()
	}
	releaseWaiters(waiters, false)
	return err
}

// Withdraw releases the offer's lock without taking it. If waiters are
// queued, exactly one is resumed with true (free to retry); otherwise the
// lock is simply released. It must only be called by a caller that
// received true from Offer.
func (o *Offer) Withdraw() {
	if o == nil {
		return
	}
	o.stateMu.Lock()
	o.held = false
	var woken chan bool
	if len(o.waiters) > 0 {
		woken = o.waiters[0]
		o.waiters = o.waiters[1:]
	}
	o.stateMu.Unlock()
	if woken != nil {
		woken <- true
	}
}

// AtomicIsFirstCommitter is a one-shot compare-and-swap returning true
// exactly once across all callers, regardless of how many goroutines race
// it concurrently. It gates resolution of the user-visible result of an
// [ExternalChoice], so that only one of several concurrent completion paths
// (a channel commit, or the offer's own deadline firing) can fulfil it.
func (o *Offer) AtomicIsFirstCommitter() bool {
	if o == nil {
		return true
	}
	return o.firstCommitter.CompareAndSwap(false, true)
}

// IsTaken reports whether the offer has already been committed or has
// timed out - i.e. whether submitting to further channels is pointless.
func (o *Offer) IsTaken() bool {
	if o == nil {
		return false
	}
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.taken
}

// TimedOut reports whether the offer's own deadline fired before any
// candidate committed.
func (o *Offer) TimedOut() bool {
	if o == nil {
		return false
	}
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.timedOut
}

// probePhaseComplete is called once every candidate channel has been
// probed (i.e. all sub-requests of an [ExternalChoice] have been
// submitted). If the offer's deadline has already elapsed, it fires the
// timeout immediately; otherwise it registers the fire with exp.
func (o *Offer) probePhaseComplete(exp *ExpirationService) {
	if o == nil {
		return
	}
	if o.deadline.IsInfinite() {
		return
	}
	if o.deadline.elapsed(timeNow()) {
		o.fireTimeout()
		return
	}
	t, _ := o.deadline.Time()
	o.expHandle = exp.schedule(t, o.fireTimeout)
}

// fireTimeout latches the offer taken (a poisoned withdrawal: nothing is
// listening for a late success any more) and releases every suspended
// waiter, exactly as Commit does but without invoking the commit callback.
// See SPEC_FULL.md's "Resolved open question" for §4.1.
func (o *Offer) fireTimeout() {
	o.stateMu.Lock()
	if o.taken {
		o.stateMu.Unlock()
		return
	}
	o.taken = true
	o.timedOut = true
	o.held = false
	waiters := o.waiters
	o.waiters = nil
	close(o.settleCh)
	o.stateMu.Unlock()
	releaseWaiters(waiters, false)
}

// cancel is used when the owning [ExternalChoice] call is abandoned via
// context cancellation: it behaves exactly like fireTimeout (poisoned
// withdrawal) but does not mark timedOut, so the caller can distinguish
// "my context was cancelled" from "my deadline elapsed".
func (o *Offer) cancel() {
	o.stateMu.Lock()
	if o.taken {
		o.stateMu.Unlock()
		return
	}
	o.taken = true
	o.held = false
	waiters := o.waiters
	o.waiters = nil
	close(o.settleCh)
	o.stateMu.Unlock()
	releaseWaiters(waiters, false)
}

func releaseWaiters(waiters []chan bool, retry bool) {
	for _, w := range waiters {
		w <- retry
	}
}

// offerAccept is a convenience used by Channel's dual-probe match loop: it
// calls Offer with a background context (the per-channel critical section
// never wants to abandon a probe on a caller-supplied context - only the
// owning request's own deadline/offer lifetime governs that).
func offerAccept(o *Offer) bool {
	ok, _ := o.Offer(context.Background())
	return ok
}
