package cocol

import (
	"container/list"
	"context"

	lock "github.com/viney-shih/go-lock"
)

// BroadcastChannel (component D) extends the rendezvous model with an
// all-or-nothing broadcast: one writer pairs with *every* currently joined
// reader in a single atomic step, gated by a minimum-reader barrier. It does
// not share Channel's buffering concept - a broadcast transfer is either
// fully committed across every required reader, or it does not happen at
// all - so it is implemented as its own type with its own match loop (§4.3),
// reusing readerEntry/writerEntry and the Offer/ExpirationService/Metrics
// building blocks Channel also uses.
type BroadcastChannel[T any] struct {
	mu  lock.Mutex
	cfg ChannelConfig

	// maxPendingReaders/maxPendingWriters are cfg.MaxPendingReaders/Writers
	// resolved to a plain int once at construction - see resolveMaxPending.
	maxPendingReaders int
	maxPendingWriters int

	exp     *ExpirationService
	ownsExp bool

	readerQueue *list.List // of *readerEntry[T]
	writerQueue *list.List // of *writerEntry[T]

	joinedReaders int
	joinedWriters int

	// minimumReaders is the reader count required for every broadcast.
	// initialBarrier is an additional, one-shot requirement for the FIRST
	// broadcast only; it is permanently cleared (-1) once that broadcast
	// commits. Both are -1 when disabled.
	minimumReaders int
	initialBarrier int

	retireCountdown int
	retired         bool
}

// NewBroadcastChannel constructs a BroadcastChannel. minimumReaders and
// initialBarrier follow §3's constraint: if MaxPendingReaders is bounded, it
// must be at least max(minimumReaders, initialBarrier) - violating this
// panics eagerly, per this package's invalid-configuration convention.
func NewBroadcastChannel[T any](minimumReaders, initialBarrier int, opts ...ChannelOption) *BroadcastChannel[T] {
	cfg := resolveChannelConfig(applyChannelOptions(nil, opts))
	maxPendingReaders := resolveMaxPending(cfg.MaxPendingReaders)
	maxPendingWriters := resolveMaxPending(cfg.MaxPendingWriters)

	required := minimumReaders
	if initialBarrier > required {
		required = initialBarrier
	}
	if maxPendingReaders >= 0 && required >= 0 && maxPendingReaders < required {
		panic("cocol: maxPendingReaders below max(minimumReaders, initialBarrier)")
	}

	exp := cfg.Expiration
	owns := false
	if exp == nil {
		exp = NewExpirationService()
		owns = true
	}

	return &BroadcastChannel[T]{
		mu:                lock.NewCASMutex(),
		cfg:               cfg,
		maxPendingReaders: maxPendingReaders,
		maxPendingWriters: maxPendingWriters,
		exp:               exp,
		ownsExp:           owns,
		readerQueue:       list.New(),
		writerQueue:       list.New(),
		minimumReaders:    minimumReaders,
		initialBarrier:    initialBarrier,
		retireCountdown:   -1,
	}
}

// Read joins the pending reader pool for the next broadcast. It completes
// once a writer successfully broadcasts to a batch that includes this
// reader.
func (c *BroadcastChannel[T]) Read(ctx context.Context, deadline Deadline) (T, error) {
	f := c.submitRead(deadline, nil)
	v, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		f.abandon()
		return f.result()
	}
	return v, err
}

// Write submits a value to be broadcast to every reader in the next
// completing batch.
func (c *BroadcastChannel[T]) Write(ctx context.Context, value T, deadline Deadline) error {
	f := c.submitWrite(value, deadline, nil)
	_, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		f.abandon()
		_, err = f.result()
	}
	return err
}

func (c *BroadcastChannel[T]) submitRead(deadline Deadline, offer *Offer) *Future[T] {
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

	prevBack := c.readerQueue.Back()
	entry.el = c.readerQueue.PushBack(entry)
	if t, ok := entry.deadline.Time(); ok {
		entry.expHandle = c.exp.schedule(t, func() { c.onReaderExpire(entry) })
	}
	c.observeQueueDepth("reader", c.readerQueue.Len())

	c.matchLoop()
	if f.Settled() {
		return f
	}

	if entry.deadline.elapsed(timeNow()) {
		c.removeReader(entry)
		f.reject(ErrTimeout)
		c.observeTimeout()
		return f
	}

	if c.maxPendingReaders >= 0 && c.readerQueue.Len() > c.maxPendingReaders {
		c.applyReaderOverflow(entry, prevBack)
	}
	return f
}

func (c *BroadcastChannel[T]) submitWrite(value T, deadline Deadline, offer *Offer) *Future[struct{}] {
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

	prevBack := c.writerQueue.Back()
	entry.el = c.writerQueue.PushBack(entry)
	if t, ok := entry.deadline.Time(); ok {
		entry.expHandle = c.exp.schedule(t, func() { c.onWriterExpire(entry) })
	}
	c.observeQueueDepth("writer", c.writerQueue.Len())

	c.matchLoop()
	if f.Settled() {
		return f
	}

	if entry.deadline.elapsed(timeNow()) {
		c.removeWriter(entry)
		f.reject(ErrTimeout)
		c.observeTimeout()
		return f
	}

	if c.maxPendingWriters >= 0 && c.writerQueue.Len() > c.maxPendingWriters {
		c.applyWriterOverflow(entry, prevBack)
	}
	return f
}

// requiredReaders is max(minimumReaders, initialBarrier) while the initial
// barrier is still active, else minimumReaders alone.
func (c *BroadcastChannel[T]) requiredReaders() int {
	required := c.minimumReaders
	if c.initialBarrier >= 0 && c.initialBarrier > required {
		required = c.initialBarrier
	}
	if required < 0 {
		required = 0
	}
	return required
}

// matchLoop implements §4.3's broadcast match algorithm: once joinedReaders
// meets the barrier, a writer commits only once probes for it AND for a
// batch of joinedReaders waiting readers have simultaneously accepted.
func (c *BroadcastChannel[T]) matchLoop() {
	for {
		front := c.writerQueue.Front()
		if front == nil {
			return
		}
		if c.joinedReaders < c.requiredReaders() {
			return
		}
		required := c.joinedReaders
		if c.readerQueue.Len() < required {
			return
		}

		w := front.Value.(*writerEntry[T])
		if w.future.Settled() {
			c.removeWriter(w)
			continue
		}
		if !offerAccept(w.offer) {
			c.removeWriter(w)
			w.future.reject(ErrCancelled)
			continue
		}

		accepted := make([]*readerEntry[T], 0, required)
		el := c.readerQueue.Front()
		for len(accepted) < required && el != nil {
			next := el.Next()
			r := el.Value.(*readerEntry[T])
			if r.future.Settled() {
				c.removeReader(r)
				el = next
				continue
			}
			if offerAccept(r.offer) {
				accepted = append(accepted, r)
			} else {
				c.removeReader(r)
				r.future.reject(ErrCancelled)
			}
			el = next
		}

		if len(accepted) < required {
			// Reader queue exhausted before the batch filled: withdraw
			// every held probe and stop - a later state change (join,
			// new reader) will re-run the loop.
			for _, r := range accepted {
				r.offer.Withdraw()
			}
			w.offer.Withdraw()
			getLogger().Debug().Str("channel", c.cfg.Name).Int("required", required).Int("accepted", len(accepted)).Log("broadcast barrier not met")
			return
		}

		var werr error
		if w.offer != nil {
			werr = w.offer.Commit()
		}
		c.removeWriter(w)
		if werr != nil {
			w.future.reject(wrapUserError(werr))
		} else {
			w.future.resolve(struct{}{})
		}

		for _, r := range accepted {
			var rerr error
			if r.offer != nil {
				rerr = r.offer.Commit()
			}
			c.removeReader(r)
			if rerr != nil {
				r.future.reject(wrapUserError(rerr))
			} else {
				r.future.resolve(w.value)
			}
		}

		if c.initialBarrier >= 0 {
			c.initialBarrier = -1
		}
		c.observeCommit()
		c.afterTransfer()
	}
}

func (c *BroadcastChannel[T]) removeReader(entry *readerEntry[T]) {
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

func (c *BroadcastChannel[T]) removeWriter(entry *writerEntry[T]) {
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

// applyReaderOverflow evicts per ReadersOverflowPolicy once the reader
// queue exceeds MaxPendingReaders. entry is the just-enqueued request;
// prevBack is what was the queue's tail before entry was appended (nil if
// the queue was empty), used to resolve EvictNewest to the *previous*
// newest entry rather than entry itself.
func (c *BroadcastChannel[T]) applyReaderOverflow(entry *readerEntry[T], prevBack *list.Element) {
	switch c.cfg.ReadersOverflowPolicy {
	case EvictOldest:
		if front := c.readerQueue.Front(); front != nil && front.Value.(*readerEntry[T]) != entry {
			victim := front.Value.(*readerEntry[T])
			c.removeReader(victim)
			victim.future.reject(ErrOverflow)
			c.observeOverflow("reader")
			return
		}
	case EvictNewest:
		if prevBack != nil {
			victim := prevBack.Value.(*readerEntry[T])
			c.removeReader(victim)
			victim.future.reject(ErrOverflow)
			c.observeOverflow("reader")
			return
		}
	}
	// Reject, or no alternative victim available: the new request itself
	// overflows.
	c.removeReader(entry)
	entry.future.reject(ErrOverflow)
	c.observeOverflow("reader")
}

func (c *BroadcastChannel[T]) applyWriterOverflow(entry *writerEntry[T], prevBack *list.Element) {
	switch c.cfg.WritersOverflowPolicy {
	case EvictOldest:
		if front := c.writerQueue.Front(); front != nil && front.Value.(*writerEntry[T]) != entry {
			victim := front.Value.(*writerEntry[T])
			c.removeWriter(victim)
			victim.future.reject(ErrOverflow)
			c.observeOverflow("writer")
			return
		}
	case EvictNewest:
		if prevBack != nil {
			victim := prevBack.Value.(*writerEntry[T])
			c.removeWriter(victim)
			victim.future.reject(ErrOverflow)
			c.observeOverflow("writer")
			return
		}
	}
	c.removeWriter(entry)
	entry.future.reject(ErrOverflow)
	c.observeOverflow("writer")
}

func (c *BroadcastChannel[T]) onReaderExpire(entry *readerEntry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.el == nil {
		return
	}
	c.removeReader(entry)
	entry.future.reject(ErrTimeout)
	c.observeTimeout()
}

func (c *BroadcastChannel[T]) onWriterExpire(entry *writerEntry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.el == nil {
		return
	}
	c.removeWriter(entry)
	entry.future.reject(ErrTimeout)
	c.observeTimeout()
}

func (c *BroadcastChannel[T]) afterTransfer() {
	if c.retireCountdown > 0 {
		c.retireCountdown--
		if c.retireCountdown == 0 {
			c.finalizeRetirement()
		}
	}
}

// Retire begins retirement. BroadcastChannel carries no buffered-writer
// concept, so graceful and abrupt retirement are equivalent: the countdown
// is always 1 (the final completion step).
func (c *BroadcastChannel[T]) Retire(immediate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginRetirement()
}

func (c *BroadcastChannel[T]) beginRetirement() {
	if c.retired || c.retireCountdown >= 0 {
		return
	}
	c.retireCountdown = 1
}

func (c *BroadcastChannel[T]) finalizeRetirement() {
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

	c.observeRetirement()
	if c.ownsExp {
		go c.exp.Close()
	}
}

// Join registers a reader or writer for lifecycle accounting.
func (c *BroadcastChannel[T]) Join(asReader bool) error {
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
	c.matchLoop()
	return nil
}

// Leave deregisters a reader or writer, entering graceful retirement once
// the last of either side leaves. Per the "Resolved open question" on
// Leave short-circuiting, the match loop is skipped entirely when the
// writer queue is empty - a pure optimisation, never an observable
// difference.
func (c *BroadcastChannel[T]) Leave(asReader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return
	}
	if asReader {
		if c.joinedReaders > 0 {
			c.joinedReaders--
			if c.joinedReaders == 0 {
				c.beginRetirement()
			}
		}
	} else {
		if c.joinedWriters > 0 {
			c.joinedWriters--
			if c.joinedWriters == 0 {
				c.beginRetirement()
			}
		}
	}
	if c.writerQueue.Len() == 0 {
		return
	}
	c.matchLoop()
}

// SetMinimumReadersAsync adjusts the steady-state reader barrier and
// immediately re-runs the match loop.
func (c *BroadcastChannel[T]) SetMinimumReadersAsync(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minimumReaders = n
	c.matchLoop()
}

// SetNextBarrierCountAsync adjusts the one-shot initial barrier and
// immediately re-runs the match loop.
func (c *BroadcastChannel[T]) SetNextBarrierCountAsync(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialBarrier = n
	c.matchLoop()
}

// IsRetired reports whether the channel has reached the Retired state.
func (c *BroadcastChannel[T]) IsRetired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

func (c *BroadcastChannel[T]) observeCommit() {
	c.cfg.Metrics.observeCommit(c.cfg.Name)
}

func (c *BroadcastChannel[T]) observeTimeout() {
	c.cfg.Metrics.observeTimeout(c.cfg.Name)
}

func (c *BroadcastChannel[T]) observeOverflow(side string) {
	c.cfg.Metrics.observeOverflow(c.cfg.Name, side)
}

func (c *BroadcastChannel[T]) observeRetirement() {
	c.cfg.Metrics.observeRetirement(c.cfg.Name)
}

func (c *BroadcastChannel[T]) observeQueueDepth(side string, n int) {
	c.cfg.Metrics.setQueueDepth(c.cfg.Name, side, n)
}
