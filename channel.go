package cocol

import (
	"container/list"
	"context"

	lock "github.com/viney-shih/go-lock"
)

// cleanupMin is the MIN constant from the opportunistic queue cleanup
// algorithm: the cleanup threshold is reset to max(MIN, currentSize+MIN)
// whenever a sweep runs.
const cleanupMin = 100

// readerEntry is a suspended read, queued while waiting for a matching
// writer.
type readerEntry[T any] struct {
	future    *Future[T]
	offer     *Offer
	deadline  Deadline
	expHandle *expireHandle
	el        *list.Element
}

// writerEntry is a suspended (or buffered) write. buffered entries carry no
// offer and an already-resolved future, per the Channel data model's
// "buffered prefix" invariant.
type writerEntry[T any] struct {
	value     T
	future    *Future[struct{}]
	offer     *Offer
	deadline  Deadline
	expHandle *expireHandle
	el        *list.Element
	buffered  bool
}

// Channel is the per-element-type rendezvous point (component C): a reader
// queue, a writer queue, an optional fixed-size buffer, join/leave
// lifecycle, deadline handling, and a graceful/abrupt retirement state
// machine. All mutation happens inside its own critical section (mu),
// following the teacher's convention of a single lock-protected state
// machine per logical unit (compare eventloop.Loop's own internal mutex).
//
// A zero Channel is not usable; construct one with [NewChannel].
type Channel[T any] struct {
	mu  lock.Mutex
	cfg ChannelConfig

	// maxPendingReaders/maxPendingWriters are cfg.MaxPendingReaders/Writers
	// resolved to a plain int once at construction (see resolveMaxPending):
	// unbounded (-1) if left unset, the literal configured value otherwise
	// (zero included - a channel that admits no pending entries at all).
	maxPendingReaders int
	maxPendingWriters int

	exp     *ExpirationService
	ownsExp bool

	readerQueue *list.List // of *readerEntry[T]
	writerQueue *list.List // of *writerEntry[T]

	joinedReaders int
	joinedWriters int

	// retireCountdown is -1 while Active; >= 0 while Retiring, counting
	// down the remaining committed transfers needed before Retired.
	retireCountdown int
	retired         bool

	readerCleanupThreshold int
	writerCleanupThreshold int
}

// NewChannel constructs a Channel for elements of type T. See
// [ChannelConfig] and the With* [ChannelOption] constructors for tunables;
// zero-valued fields take the documented defaults.
func NewChannel[T any](opts ...ChannelOption) *Channel[T] {
	cfg := resolveChannelConfig(applyChannelOptions(nil, opts))

	exp := cfg.Expiration
	owns := false
	if exp == nil {
		exp = NewExpirationService()
		owns = true
	}

	return &Channel[T]{
		mu:                     lock.NewCASMutex(),
		cfg:                    cfg,
		maxPendingReaders:      resolveMaxPending(cfg.MaxPendingReaders),
		maxPendingWriters:      resolveMaxPending(cfg.MaxPendingWriters),
		exp:                    exp,
		ownsExp:                owns,
		readerQueue:            list.New(),
		writerQueue:            list.New(),
		retireCountdown:        -1,
		readerCleanupThreshold: cleanupMin,
		writerCleanupThreshold: cleanupMin,
	}
}

// Read submits a read request and blocks until it completes, ctx is
// cancelled, or deadline elapses (whichever comes first). A ctx
// cancellation actively withdraws the request from the channel; it is the
// Go-idiomatic addition layered over the submit/Future primitives that
// [ExternalChoice] uses directly.
func (c *Channel[T]) Read(ctx context.Context, deadline Deadline) (T, error) {
	f := c.submitRead(deadline, nil)
	v, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		f.abandon()
		return f.result()
	}
	return v, err
}

// Write submits a write request and blocks until it completes, ctx is
// cancelled, or deadline elapses.
func (c *Channel[T]) Write(ctx context.Context, value T, deadline Deadline) error {
	f := c.submitWrite(value, deadline, nil)
	_, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		f.abandon()
		_, err = f.result()
	}
	return err
}

// submitRead is the offer-aware primitive [ExternalChoice] submits through
// directly (offer non-nil, deadline Infinite - "the offer owns the
// deadline"); Read calls it with offer nil.
func (c *Channel[T]) submitRead(deadline Deadline, offer *Offer) *Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := newFuture[T]()
	if c.retired {
		f.reject(ErrRetired)
		return f
	}

	entry := &readerEntry[T]{future: f, offer: offer, deadline: deadline}
	f.onAbandon = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removeReader(entry)
	}

	c.tryMatchRead(entry)
	if f.Settled() {
		return f
	}

	if entry.deadline.elapsed(timeNow()) {
		f.reject(ErrTimeout)
		c.observeTimeout()
		return f
	}

	if c.maxPendingReaders >= 0 && c.readerQueue.Len() >= c.maxPendingReaders {
		if !c.applyReaderOverflow() {
			f.reject(ErrOverflow)
			c.observeOverflow("reader")
			return f
		}
	}

	c.enqueueReader(entry)
	return f
}

// submitWrite is the write-path counterpart of submitRead.
func (c *Channel[T]) submitWrite(value T, deadline Deadline, offer *Offer) *Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := newFuture[struct{}]()
	if c.retired {
		f.reject(ErrRetired)
		return f
	}

	entry := &writerEntry[T]{value: value, future: f, offer: offer, deadline: deadline}
	f.onAbandon = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removeWriter(entry)
	}

	c.tryMatchWrite(entry)
	if f.Settled() {
		return f
	}

	// Plain (offerless) writes that fit inside the buffer resolve
	// immediately without going through the offer protocol - a buffered
	// entry always carries offer == nil, per the data model invariant.
	if offer == nil && c.cfg.BufferSize > 0 && c.retireCountdown < 0 &&
		c.writerQueue.Len() < c.cfg.BufferSize {
		entry.buffered = true
		entry.deadline = Infinite()
		entry.el = c.writerQueue.PushBack(entry)
		f.resolve(struct{}{})
		c.observeQueueDepth("writer", c.writerQueue.Len())
		return f
	}

	if entry.deadline.elapsed(timeNow()) {
		f.reject(ErrTimeout)
		c.observeTimeout()
		return f
	}

	if c.maxPendingWriters >= 0 && c.unbufferedWriterCount() >= c.maxPendingWriters {
		if !c.applyWriterOverflow() {
			f.reject(ErrOverflow)
			c.observeOverflow("writer")
			return f
		}
	}

	c.enqueueWriter(entry)
	return f
}

// tryMatchRead implements §4.2's read-path core algorithm: walk the writer
// queue head-first, dual-probing each candidate until one commits or the
// queue is exhausted.
func (c *Channel[T]) tryMatchRead(entry *readerEntry[T]) {
	for {
		front := c.writerQueue.Front()
		if front == nil {
			return
		}
		w := front.Value.(*writerEntry[T])

		if w.buffered {
			// A buffered entry's future already resolved for the writer's
			// side the moment it entered the buffer - that is not
			// staleness, it is the normal "value waiting to be claimed"
			// state, and carries no offer to probe.
			if !offerAccept(entry.offer) {
				entry.future.reject(ErrCancelled)
				return
			}
			var rerr error
			if entry.offer != nil {
				rerr = entry.offer.Commit()
			}
			c.removeWriter(w)
			if rerr != nil {
				entry.future.reject(wrapUserError(rerr))
			} else {
				entry.future.resolve(w.value)
			}
			c.observeCommit()
			c.afterTransfer()
			c.replenishBuffer()
			return
		}

		if w.future.Settled() {
			// Already resolved to another observer (e.g. timed out,
			// abandoned) - stale, discard and keep scanning.
			c.removeWriter(w)
			continue
		}

		if !offerAccept(entry.offer) {
			// Reader's own probe failed: remove no writer, cancel the
			// reader.
			entry.future.reject(ErrCancelled)
			return
		}

		if !offerAccept(w.offer) {
			if entry.offer != nil {
				entry.offer.Withdraw()
			}
			c.removeWriter(w)
			w.future.reject(ErrCancelled)
			continue
		}

		var rerr, werr error
		if entry.offer != nil {
			rerr = entry.offer.Commit()
		}
		if w.offer != nil {
			werr = w.offer.Commit()
		}
		c.removeWriter(w)

		if werr != nil {
			w.future.reject(wrapUserError(werr))
		} else {
			w.future.resolve(struct{}{})
		}
		if rerr != nil {
			entry.future.reject(wrapUserError(rerr))
		} else {
			entry.future.resolve(w.value)
		}

		c.observeCommit()
		c.afterTransfer()
		c.replenishBuffer()
		return
	}
}

// tryMatchWrite is the write-path mirror of tryMatchRead, matching against
// the reader queue.
func (c *Channel[T]) tryMatchWrite(entry *writerEntry[T]) {
	for {
		front := c.readerQueue.Front()
		if front == nil {
			return
		}
		r := front.Value.(*readerEntry[T])

		if r.future.Settled() {
			c.removeReader(r)
			continue
		}

		if !offerAccept(entry.offer) {
			entry.future.reject(ErrCancelled)
			return
		}

		if !offerAccept(r.offer) {
			if entry.offer != nil {
				entry.offer.Withdraw()
			}
			c.removeReader(r)
			r.future.reject(ErrCancelled)
			continue
		}

		var rerr, werr error
		if r.offer != nil {
			rerr = r.offer.Commit()
		}
		if entry.offer != nil {
			werr = entry.offer.Commit()
		}
		c.removeReader(r)

		if rerr != nil {
			r.future.reject(wrapUserError(rerr))
		} else {
			r.future.resolve(entry.value)
		}
		if werr != nil {
			entry.future.reject(wrapUserError(werr))
		} else {
			entry.future.resolve(struct{}{})
		}

		c.observeCommit()
		c.afterTransfer()
		return
	}
}

// replenishBuffer implements §4.2.3: after a transfer drains a slot, the
// writer now sitting at position bufferSize-1 (if any, and not already
// buffered) gets one probe to enter the buffer window.
func (c *Channel[T]) replenishBuffer() {
	if c.cfg.BufferSize <= 0 {
		return
	}
	idx := 0
	for el := c.writerQueue.Front(); el != nil; el = el.Next() {
		if idx != c.cfg.BufferSize-1 {
			idx++
			continue
		}
		w := el.Value.(*writerEntry[T])
		if w.buffered || w.future.Settled() {
			return
		}
		if !offerAccept(w.offer) {
			c.removeWriter(w)
			w.future.reject(ErrCancelled)
			return
		}
		if w.offer != nil {
			if err := w.offer.Commit(); err != nil {
				c.removeWriter(w)
				w.future.reject(wrapUserError(err))
				return
			}
		}
		if w.expHandle != nil {
			c.exp.cancel(w.expHandle)
			w.expHandle = nil
		}
		w.offer = nil
		w.deadline = Infinite()
		w.buffered = true
		w.future.resolve(struct{}{})
		return
	}
}

// enqueueReader appends entry to the reader queue, registers its deadline
// with the expiration service, and runs an opportunistic cleanup sweep if
// the queue has grown past its threshold.
func (c *Channel[T]) enqueueReader(entry *readerEntry[T]) {
	entry.el = c.readerQueue.PushBack(entry)
	if t, ok := entry.deadline.Time(); ok {
		entry.expHandle = c.exp.schedule(t, func() { c.onReaderExpire(entry) })
	}
	c.maybeCleanupReaders()
	c.observeQueueDepth("reader", c.readerQueue.Len())
}

func (c *Channel[T]) enqueueWriter(entry *writerEntry[T]) {
	entry.el = c.writerQueue.PushBack(entry)
	if t, ok := entry.deadline.Time(); ok {
		entry.expHandle = c.exp.schedule(t, func() { c.onWriterExpire(entry) })
	}
	c.maybeCleanupWriters()
	c.observeQueueDepth("writer", c.writerQueue.Len())
}

func (c *Channel[T]) removeReader(entry *readerEntry[T]) {
	if entry.el != nil {
		c.readerQueue.Remove(entry.el)
		entry.el = nil
		c.observeQueueDepth("reader", c.readerQueue.Len())
	}
	if entry.expHandle != nil {
		c.exp.cancel(entry.expHandle)
		entry.expHandle = nil
	}
}

func (c *Channel[T]) removeWriter(entry *writerEntry[T]) {
	if entry.el != nil {
		c.writerQueue.Remove(entry.el)
		entry.el = nil
		c.observeQueueDepth("writer", c.writerQueue.Len())
	}
	if entry.expHandle != nil {
		c.exp.cancel(entry.expHandle)
		entry.expHandle = nil
	}
}

// unbufferedWriterCount is the writer queue length minus its already-
// buffered leading prefix - the "Resolved open question" on overflow
// accounting: only this suffix counts against maxPendingWriters.
func (c *Channel[T]) unbufferedWriterCount() int {
	n := 0
	for el := c.writerQueue.Front(); el != nil; el = el.Next() {
		if el.Value.(*writerEntry[T]).buffered {
			continue
		}
		n++
	}
	return n
}

// applyReaderOverflow applies ReadersOverflowPolicy when the reader queue
// is full, returning false if the new request itself must be rejected
// (under Reject, or when an evict policy finds no entry to evict).
func (c *Channel[T]) applyReaderOverflow() bool {
	switch c.cfg.ReadersOverflowPolicy {
	case EvictOldest:
		if front := c.readerQueue.Front(); front != nil {
			victim := front.Value.(*readerEntry[T])
			c.removeReader(victim)
			victim.future.reject(ErrOverflow)
			getLogger().Warning().Str("channel", c.cfg.Name).Log("reader queue overflow eviction")
			c.observeOverflow("reader")
			return true
		}
		return false
	case EvictNewest:
		if back := c.readerQueue.Back(); back != nil {
			victim := back.Value.(*readerEntry[T])
			c.removeReader(victim)
			victim.future.reject(ErrOverflow)
			getLogger().Warning().Str("channel", c.cfg.Name).Log("reader queue overflow eviction")
			c.observeOverflow("reader")
			return true
		}
		return false
	default: // Reject
		return false
	}
}

func (c *Channel[T]) applyWriterOverflow() bool {
	switch c.cfg.WritersOverflowPolicy {
	case EvictOldest:
		for el := c.writerQueue.Front(); el != nil; el = el.Next() {
			victim := el.Value.(*writerEntry[T])
			if victim.buffered {
				continue
			}
			c.removeWriter(victim)
			victim.future.reject(ErrOverflow)
			c.observeOverflow("writer")
			return true
		}
		return false
	case EvictNewest:
		for el := c.writerQueue.Back(); el != nil; el = el.Prev() {
			victim := el.Value.(*writerEntry[T])
			if victim.buffered {
				continue
			}
			c.removeWriter(victim)
			victim.future.reject(ErrOverflow)
			c.observeOverflow("writer")
			return true
		}
		return false
	default: // Reject
		return false
	}
}

// maybeCleanupReaders implements §4.2.4's opportunistic queue cleanup: once
// the queue exceeds its threshold, every entry is re-probed; one that still
// accepts is withdrawn again (a side-effect-free test), one that declines
// is dropped and cancelled.
func (c *Channel[T]) maybeCleanupReaders() {
	if c.readerQueue.Len() <= c.readerCleanupThreshold {
		return
	}
	var next *list.Element
	for el := c.readerQueue.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(*readerEntry[T])
		if entry.offer == nil {
			continue
		}
		if offerAccept(entry.offer) {
			entry.offer.Withdraw()
		} else {
			c.removeReader(entry)
			entry.future.reject(ErrCancelled)
		}
	}
	c.readerCleanupThreshold = maxInt(cleanupMin, c.readerQueue.Len()+cleanupMin)
	getLogger().Debug().Str("channel", c.cfg.Name).Int("threshold", c.readerCleanupThreshold).Log("reader queue cleanup swept")
}

func (c *Channel[T]) maybeCleanupWriters() {
	if c.writerQueue.Len() <= c.writerCleanupThreshold {
		return
	}
	var next *list.Element
	for el := c.writerQueue.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(*writerEntry[T])
		if entry.offer == nil {
			continue
		}
		if offerAccept(entry.offer) {
			entry.offer.Withdraw()
		} else {
			c.removeWriter(entry)
			entry.future.reject(ErrCancelled)
		}
	}
	c.writerCleanupThreshold = maxInt(cleanupMin, c.writerQueue.Len()+cleanupMin)
}

// onReaderExpire fires from the ExpirationService's goroutine; it reacquires
// the channel's own lock before touching any state.
func (c *Channel[T]) onReaderExpire(entry *readerEntry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.el == nil {
		return // already matched, evicted, or cleaned up
	}
	c.removeReader(entry)
	entry.future.reject(ErrTimeout)
	getLogger().Debug().Str("channel", c.cfg.Name).Log("reader deadline fired")
	c.observeTimeout()
}

func (c *Channel[T]) onWriterExpire(entry *writerEntry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.el == nil {
		return
	}
	c.removeWriter(entry)
	entry.future.reject(ErrTimeout)
	c.observeTimeout()
}

// afterTransfer decrements the retirement countdown, if one is running,
// finalising retirement once it reaches zero.
func (c *Channel[T]) afterTransfer() {
	if c.retireCountdown > 0 {
		c.retireCountdown--
		if c.retireCountdown == 0 {
			c.finalizeRetirement()
		}
	}
}

// Retire begins retirement: graceful (immediate=false) waits for buffered
// writers to drain via ordinary matching; abrupt (immediate=true) discards
// every already-buffered write up front, so those values are never
// delivered (their writers' futures resolved when they entered the buffer
// and stay resolved). A no-op if the channel is already retired or already
// retiring.
func (c *Channel[T]) Retire(immediate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginRetirement(immediate)
}

func (c *Channel[T]) beginRetirement(immediate bool) {
	if c.retired || c.retireCountdown >= 0 {
		return
	}

	bufferedCount := 0
	for el := c.writerQueue.Front(); el != nil; el = el.Next() {
		w := el.Value.(*writerEntry[T])
		if !w.buffered {
			break
		}
		bufferedCount++
	}
	c.retireCountdown = bufferedCount + 1

	if immediate {
		for {
			front := c.writerQueue.Front()
			if front == nil {
				break
			}
			w := front.Value.(*writerEntry[T])
			if !w.buffered {
				break
			}
			c.removeWriter(w)
			w.future.reject(ErrRetired)
		}
	}
}

// finalizeRetirement latches the channel retired, takes ownership of both
// queues atomically, and fails every remaining promise with [ErrRetired].
func (c *Channel[T]) finalizeRetirement() {
	c.retired = true
	c.retireCountdown = -1

	var next *list.Element
	for el := c.readerQueue.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(*readerEntry[T])
		c.removeReader(entry)
		entry.future.reject(ErrRetired)
	}
	for el := c.writerQueue.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(*writerEntry[T])
		c.removeWriter(entry)
		entry.future.reject(ErrRetired)
	}

	getLogger().Debug().Str("channel", c.cfg.Name).Log("channel retired")
	c.observeRetirement()
	if c.ownsExp {
		// Closed from a detached goroutine: the expiration service's own
		// background goroutine must never be awaited from inside this
		// critical section, since a still-in-flight onExpire callback for
		// this very channel would deadlock waiting to reacquire mu.
		go c.exp.Close()
	}
}

// Join registers the caller as a reader or writer of the channel, for
// lifecycle accounting. It fails with [ErrRetired] once the channel has
// retired.
func (c *Channel[T]) Join(asReader bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return ErrRetired
	}
	if asReader {
		c.joinedReaders++
	} else {
		c.joinedWriters++
	}
	return nil
}

// Leave deregisters a previously joined reader or writer. When the last
// reader, or respectively the last writer, leaves, the channel enters
// graceful retirement. A no-op on an already-retired channel.
func (c *Channel[T]) Leave(asReader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return
	}
	if asReader {
		if c.joinedReaders > 0 {
			c.joinedReaders--
			if c.joinedReaders == 0 {
				c.beginRetirement(false)
			}
		}
	} else {
		if c.joinedWriters > 0 {
			c.joinedWriters--
			if c.joinedWriters == 0 {
				c.beginRetirement(false)
			}
		}
	}
}

// IsRetired reports whether the channel has reached the Retired state.
func (c *Channel[T]) IsRetired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

func (c *Channel[T]) observeCommit() {
	c.cfg.Metrics.observeCommit(c.cfg.Name)
}

func (c *Channel[T]) observeTimeout() {
	c.cfg.Metrics.observeTimeout(c.cfg.Name)
}

func (c *Channel[T]) observeOverflow(side string) {
	c.cfg.Metrics.observeOverflow(c.cfg.Name, side)
}

func (c *Channel[T]) observeRetirement() {
	c.cfg.Metrics.observeRetirement(c.cfg.Name)
}

func (c *Channel[T]) observeQueueDepth(side string, n int) {
	c.cfg.Metrics.setQueueDepth(c.cfg.Name, side, n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
