// Package cocol implements Communicating Sequential Processes (CSP) style
// concurrency on top of goroutines: typed, named channels on which readers
// and writers rendezvous, with an optional fixed-size FIFO buffer, per-queue
// overflow policy, deadlines, graceful or abrupt retirement, and a
// broadcasting channel variant that pairs one writer with every joined
// reader in a single atomic step.
//
// Unlike a native Go channel, a [Channel] is a first-class value with a
// lifecycle: processes [Channel.Join] and [Channel.Leave] it as readers or
// writers, and it begins retiring once the last participant of either side
// leaves, or on an explicit [Channel.Retire]. A retiring channel still
// completes a fixed countdown of transfers (its buffered values plus one);
// after that it is retired and rejects all further operations.
//
// [ExternalChoice] composes reads and writes across multiple channels (of
// possibly different element types) into one logical operation that
// completes on the first rendezvous, exactly as a CSP ALT/select statement
// would, cancelling the losing candidates.
//
// See the package-level doc comments on [Channel], [Offer], [ExpirationService],
// [BroadcastChannel], and [ExternalChoice] for the algorithmic detail of each
// of the library's five components.
package cocol
