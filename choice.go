package cocol

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Request is a type-erased, pending channel operation - either a read or a
// write - that [ExternalChoice] can submit against a shared [Offer]. It is
// the Go-idiomatic substitute for the reflection-based dispatch the design
// notes call for (§9): two small generic constructor functions stand in for
// runtime type inspection.
type Request interface {
	submit(offer *Offer, deadline Deadline) settler
}

type readRequest[T any] struct {
	ch *Channel[T]
}

// Read builds a Request representing a read from ch, usable as one
// candidate of an [ExternalChoice].
func Read[T any](ch *Channel[T]) Request {
	return readRequest[T]{ch: ch}
}

func (r readRequest[T]) submit(offer *Offer, deadline Deadline) settler {
	return r.ch.submitRead(deadline, offer)
}

type writeRequest[T any] struct {
	ch    *Channel[T]
	value T
}

// Write builds a Request representing a write of value to ch, usable as one
// candidate of an [ExternalChoice].
func Write[T any](ch *Channel[T], value T) Request {
	return writeRequest[T]{ch: ch, value: value}
}

func (r writeRequest[T]) submit(offer *Offer, deadline Deadline) settler {
	return r.ch.submitWrite(r.value, deadline, offer)
}

// shuffleRequests is the entropy source behind the Random policy, exposed
// as an overridable package variable so deterministic tests can pin the
// resulting order - the same injectable-nondeterminism idiom the teacher's
// catrate package uses for its timeNow/timeNewTicker variables.
var shuffleRequests = rand.Shuffle

var (
	choiceExpOnce sync.Once
	choiceExp     *ExpirationService
)

// defaultChoiceExpiration lazily constructs the single ExpirationService
// backing every ad-hoc ExternalChoice call's own offer deadline - distinct
// from any individual channel's own ExpirationService, since an offer's
// deadline governs the logical choice operation, not any one channel.
func defaultChoiceExpiration() *ExpirationService {
	choiceExpOnce.Do(func() { choiceExp = NewExpirationService() })
	return choiceExp
}

// ExternalChoice composes N individual channel read/write requests (component
// E, §4.5) into one logical operation that completes on the first
// successful rendezvous among them. Exactly one candidate can ever win: a
// shared [Offer] guarantees the others are cancelled.
//
// requests are tried in the order given for [First], or a shuffled order
// for [Random]. [Fair] is rejected with [ErrFairChoiceUnsupported], since
// fair rotation requires a stateful set that remembers its last-chosen
// index - out of scope for this ad-hoc driver.
func ExternalChoice(ctx context.Context, deadline Deadline, policy Policy, requests ...Request) (any, error) {
	ordered, err := orderRequests(policy, requests)
	if err != nil {
		return nil, err
	}

	offer := NewOffer(deadline)
	futures := make([]settler, 0, len(ordered))
	for _, req := range ordered {
		if offer.IsTaken() {
			break
		}
		futures = append(futures, req.submit(offer, Infinite()))
	}
	offer.probePhaseComplete(defaultChoiceExpiration())

	return raceFutures(ctx, offer, futures)
}

func orderRequests(policy Policy, requests []Request) ([]Request, error) {
	switch policy {
	case First:
		return requests, nil
	case Random:
		ordered := append([]Request(nil), requests...)
		shuffleRequests(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
		return ordered, nil
	case Fair:
		return nil, ErrFairChoiceUnsupported
	default:
		return nil, fmt.Errorf("cocol: unknown policy %d", policy)
	}
}

// raceFutures implements §4.5 step 5: the first future to settle, under the
// guard of AtomicIsFirstCommitter, wins. A future that resolves with
// [ErrCancelled] is a losing participant and never claims the guard, so the
// race continues among the rest. If every future settles without a winner,
// the most specific non-cancellation failure observed is returned, else
// [ErrTimeout] if the offer's own deadline fired, else [ErrCancelled].
func raceFutures(ctx context.Context, offer *Offer, futures []settler) (any, error) {
	type outcome struct {
		val any
		err error
	}
	winCh := make(chan outcome, 1)

	var mu sync.Mutex
	var lastErr error

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range futures {
		f := f
		g.Go(func() error {
			v, err := f.waitAny(gctx)
			if errors.Is(err, ErrCancelled) {
				return nil
			}
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
			if offer.AtomicIsFirstCommitter() {
				select {
				case winCh <- outcome{val: v, err: err}:
				default:
				}
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	abandonAll := func() {
		for _, f := range futures {
			f.abandon()
		}
	}

	select {
	case r := <-winCh:
		abandonAll()
		return r.val, r.err
	case <-offer.Resolved():
		select {
		case r := <-winCh:
			abandonAll()
			return r.val, r.err
		default:
		}
		if offer.TimedOut() {
			abandonAll()
			return nil, ErrTimeout
		}
		// Committed: the winning future settles right after the commit
		// that closed Resolved, so wait for its watcher to report it.
		select {
		case r := <-winCh:
			abandonAll()
			return r.val, r.err
		case <-done:
		}
	case <-done:
		select {
		case r := <-winCh:
			abandonAll()
			return r.val, r.err
		default:
		}
	case <-ctx.Done():
		offer.cancel()
		abandonAll()
		return nil, ctx.Err()
	}

	<-done
	select {
	case r := <-winCh:
		abandonAll()
		return r.val, r.err
	default:
	}
	abandonAll()
	mu.Lock()
	defer mu.Unlock()
	if lastErr != nil {
		return nil, lastErr
	}
	if offer.TimedOut() {
		return nil, ErrTimeout
	}
	return nil, ErrCancelled
}

// ReadAny races a read across several homogeneously-typed channels,
// returning the received value already typed as T rather than any - the
// common case (§8 scenario 3) where every candidate shares an element type.
func ReadAny[T any](ctx context.Context, deadline Deadline, policy Policy, channels ...*Channel[T]) (T, error) {
	requests := make([]Request, len(channels))
	for i, ch := range channels {
		requests[i] = Read[T](ch)
	}
	v, err := ExternalChoice(ctx, deadline, policy, requests...)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// WriteAny races the same value against several homogeneously-typed
// channels, succeeding as soon as any one of them accepts it.
func WriteAny[T any](ctx context.Context, deadline Deadline, policy Policy, value T, channels ...*Channel[T]) error {
	requests := make([]Request, len(channels))
	for i, ch := range channels {
		requests[i] = Write[T](ch, value)
	}
	_, err := ExternalChoice(ctx, deadline, policy, requests...)
	return err
}
