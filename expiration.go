package cocol

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/exp/constraints"
)

// expirationSlack is the allowed "advance-fire" window: an entry whose
// deadline lies within [now, now+expirationSlack] when the service wakes
// may be treated as expired by its callback. A single shared service
// coalescing many deadlines cannot promise to fire at the exact instant
// every deadline elapses; slack keeps the wake-up count bounded without
// breaking the "no later than deadline+slack" contract.
const expirationSlack = time.Millisecond

// timerEntry is one scheduled callback, ordered by when. It is the
// ExpirationService's analogue of eventloop/loop.go's timer{when, task}.
type timerEntry struct {
	when     time.Time
	callback func()
	index    int // heap index, maintained by container/heap callbacks
	canceled bool
}

// timerHeap is a min-heap of *timerEntry by when, grounded directly on the
// teacher's eventloop/loop.go timerHeap (container/heap.Interface over a
// slice of scheduled callbacks driving a single sleep-until-next-deadline
// loop).
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ExpirationService (component B) is a centralised timer source shared by
// every channel: callers [ExpirationService.schedule] a deadline and a
// callback, and the service fires the callback once, at or slightly before
// the deadline. A single background goroutine coalesces arbitrarily many
// scheduled deadlines via a [container/heap] min-heap, exactly as the
// teacher's eventloop.Loop coalesces its own internal timers.
//
// The service places no ordering requirement on the callbacks it invokes;
// callbacks run on the service's own goroutine; a callback that touches a
// Channel must acquire that channel's own lock itself (Channel.onReaderExpire
// and Channel.onWriterExpire do this).
type ExpirationService struct {
	mu      sync.Mutex
	heap    timerHeap
	wake    chan struct{}
	closed  chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

// expireHandle is returned by schedule and passed to cancel to deregister a
// callback before it fires - used when an entry leaves its channel's queue
// for a reason other than deadline expiry (a successful match, an eviction,
// retirement), so the heap does not retain a stale reference.
type expireHandle struct {
	entry *timerEntry
}

// NewExpirationService starts a new ExpirationService. Callers are
// responsible for calling [ExpirationService.Close] when it is no longer
// needed, to stop its background goroutine.
func NewExpirationService() *ExpirationService {
	s := &ExpirationService{
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go s.run()
	return s
}

// schedule registers callback to fire once, at or slightly before when. It
// returns a handle that can be passed to cancel.
func (s *ExpirationService) schedule(when time.Time, callback func()) *expireHandle {
	s.mu.Lock()
	e := &timerEntry{when: when, callback: callback}
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.poke()
	return &expireHandle{entry: e}
}

// cancel deregisters a previously scheduled callback. It is a no-op if the
// callback has already fired or was already canceled.
func (s *ExpirationService) cancel(h *expireHandle) {
	if h == nil || h.entry == nil {
		return
	}
	s.mu.Lock()
	if h.entry.index >= 0 {
		h.entry.canceled = true
		heap.Remove(&s.heap, h.entry.index)
	}
	s.mu.Unlock()
}

// poke wakes the background goroutine to re-evaluate its next sleep
// duration, non-blockingly (a full wake channel means a wake is already
// pending, which is sufficient).
func (s *ExpirationService) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ExpirationService) run() {
	defer close(s.closed)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next, ok := s.nextFireTime()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var fireCh <-chan time.Time
		if ok {
			// Sleep until the earliest deadline, clamped at zero for one
			// that has already passed.
			wait := time.Until(next)
			timer.Reset(wait - minDuration(wait, 0))
			fireCh = timer.C
		}

		select {
		case <-s.closeCh:
			return
		case <-s.wake:
			continue
		case <-fireCh:
			s.fireDue()
		}
	}
}

// nextFireTime reports the earliest scheduled deadline, if any.
func (s *ExpirationService) nextFireTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].when, true
}

// fireDue pops and invokes every entry whose deadline has arrived (within
// expirationSlack), outside the service's own lock so a callback is free to
// schedule further work.
func (s *ExpirationService) fireDue() {
	now := timeNow()
	var due []*timerEntry
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].when.After(now.Add(expirationSlack)) {
		e := heap.Pop(&s.heap).(*timerEntry)
		if !e.canceled {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	for _, e := range due {
		e.callback()
	}
}

// Close stops the service's background goroutine. Already-scheduled
// callbacks are discarded, never invoked.
func (s *ExpirationService) Close() {
	s.once.Do(func() { close(s.closeCh) })
	<-s.closed
}

func minDuration[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
