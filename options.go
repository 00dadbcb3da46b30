package cocol

// OverflowPolicy governs what happens when a channel's reader or writer
// queue is full and a new entry would need to be enqueued.
type OverflowPolicy int

const (
	// Reject fails the new request with [ErrOverflow]; the queue is left
	// unchanged.
	Reject OverflowPolicy = iota

	// EvictOldest removes the head of the queue, failing it with
	// [ErrOverflow], to make room for the new request.
	EvictOldest

	// EvictNewest removes the tail of the queue, failing it with
	// [ErrOverflow], to make room for the new request.
	EvictNewest
)

// String returns a human-readable name for the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Reject:
		return "Reject"
	case EvictOldest:
		return "EvictOldest"
	case EvictNewest:
		return "EvictNewest"
	default:
		return "OverflowPolicy(unknown)"
	}
}

// unbounded is the sentinel maxPending* value meaning "no limit".
const unbounded = -1

// ChannelConfig models optional configuration for [NewChannel]. A nil
// config, or any zero-valued field, takes the documented default - the same
// convention the teacher's microbatch.BatcherConfig uses.
type ChannelConfig struct {
	// BufferSize is the fixed-size FIFO buffer capacity: writes with no
	// waiting reader queue instead of suspending, up to this many.
	//
	// Defaults to 0 (unbuffered/synchronous rendezvous), if unset.
	BufferSize int

	// MaxPendingReaders caps the number of suspended reads a channel will
	// hold at once, beyond its buffer. nil (the zero value - left unset)
	// takes the default of unbounded. A non-nil value is honored literally,
	// including zero: zero is a distinct, valid configuration meaning the
	// channel admits no pending readers at all, so every enqueue attempt
	// hits ReadersOverflowPolicy immediately. A negative value also means
	// unbounded, same as leaving it unset. See [WithMaxPendingReaders].
	MaxPendingReaders *int

	// MaxPendingWriters is the write-side counterpart of MaxPendingReaders,
	// applied to the writer queue's unbuffered suffix (see
	// SPEC_FULL.md's resolved open question on overflow accounting). See
	// [WithMaxPendingWriters].
	MaxPendingWriters *int

	// ReadersOverflowPolicy governs eviction when MaxPendingReaders is
	// reached. Defaults to [Reject].
	ReadersOverflowPolicy OverflowPolicy

	// WritersOverflowPolicy governs eviction when MaxPendingWriters
	// (applied to the unbuffered suffix of the writer queue - see
	// SPEC_FULL.md's resolved open question on overflow accounting) is
	// reached. Defaults to [Reject].
	WritersOverflowPolicy OverflowPolicy

	// Name is an optional human-readable identifier, used only in log
	// fields and metric labels.
	Name string

	// Metrics, if non-nil, receives instrumentation for this channel. See
	// metrics.go.
	Metrics *Metrics

	// Expiration is the [ExpirationService] used for deadline handling. If
	// nil, a private service is created and owned by the channel (closed
	// when the channel retires).
	Expiration *ExpirationService
}

func resolveChannelConfig(cfg *ChannelConfig) ChannelConfig {
	var resolved ChannelConfig
	if cfg != nil {
		resolved = *cfg
	}
	if resolved.BufferSize < 0 {
		panic("cocol: negative buffer size")
	}
	return resolved
}

// resolveMaxPending converts a tri-state MaxPendingReaders/MaxPendingWriters
// field (nil = unset) to the plain int Channel/BroadcastChannel use
// internally: nil takes the unbounded default; a non-nil value, including
// zero, is used exactly as given.
func resolveMaxPending(p *int) int {
	if p == nil {
		return unbounded
	}
	return *p
}

// ChannelOption configures a [Channel] via [NewChannel], as a fluent
// alternative to [ChannelConfig] - mirroring the teacher's eventloop.LoopOption
// pattern, offered alongside the config-struct form the same way the
// teacher's own monorepo offers both conventions in different submodules.
type ChannelOption func(*ChannelConfig)

// WithBufferSize sets [ChannelConfig.BufferSize].
func WithBufferSize(n int) ChannelOption {
	return func(c *ChannelConfig) { c.BufferSize = n }
}

// WithMaxPendingReaders sets [ChannelConfig.MaxPendingReaders]. n is
// honored literally - including zero, which admits no pending readers at
// all - since the option was explicitly called, unlike an unset field.
func WithMaxPendingReaders(n int) ChannelOption {
	return func(c *ChannelConfig) { c.MaxPendingReaders = &n }
}

// WithMaxPendingWriters sets [ChannelConfig.MaxPendingWriters]. n is
// honored literally, same as [WithMaxPendingReaders].
func WithMaxPendingWriters(n int) ChannelOption {
	return func(c *ChannelConfig) { c.MaxPendingWriters = &n }
}

// WithOverflowPolicies sets both [ChannelConfig.ReadersOverflowPolicy] and
// [ChannelConfig.WritersOverflowPolicy].
func WithOverflowPolicies(readers, writers OverflowPolicy) ChannelOption {
	return func(c *ChannelConfig) {
		c.ReadersOverflowPolicy = readers
		c.WritersOverflowPolicy = writers
	}
}

// WithName sets [ChannelConfig.Name].
func WithName(name string) ChannelOption {
	return func(c *ChannelConfig) { c.Name = name }
}

// WithMetrics sets [ChannelConfig.Metrics].
func WithMetrics(m *Metrics) ChannelOption {
	return func(c *ChannelConfig) { c.Metrics = m }
}

// WithExpirationService sets [ChannelConfig.Expiration].
func WithExpirationService(exp *ExpirationService) ChannelOption {
	return func(c *ChannelConfig) { c.Expiration = exp }
}

func applyChannelOptions(base *ChannelConfig, opts []ChannelOption) *ChannelConfig {
	cfg := new(ChannelConfig)
	if base != nil {
		*cfg = *base
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// Policy selects the candidate ordering used by [ExternalChoice].
type Policy int

const (
	// First evaluates candidates in the order supplied.
	First Policy = iota

	// Random shuffles candidates before evaluating them, to avoid
	// systematically favouring the first-listed channel.
	Random

	// Fair would rotate starting position across successive calls using
	// remembered state; it requires a stateful MultiChannelSet and is
	// rejected by the ad-hoc [ExternalChoice] driver with
	// [ErrFairChoiceUnsupported].
	Fair
)
