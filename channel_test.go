package cocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_UnbufferedHandshake(t *testing.T) {
	ch := NewChannel[int]()

	var got int
	var readErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, readErr = ch.Read(context.Background(), Infinite())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Write(context.Background(), 42, Infinite()))
	wg.Wait()

	require.NoError(t, readErr)
	assert.Equal(t, 42, got)
}

func TestChannel_BufferedWriteDoesNotBlock(t *testing.T) {
	ch := NewChannel[string](WithBufferSize(2))

	require.NoError(t, ch.Write(context.Background(), "a", Immediate()))
	require.NoError(t, ch.Write(context.Background(), "b", Immediate()))

	v, err := ch.Read(context.Background(), Immediate())
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = ch.Read(context.Background(), Immediate())
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestChannel_BufferReplenishment(t *testing.T) {
	ch := NewChannel[int](WithBufferSize(1))

	require.NoError(t, ch.Write(context.Background(), 1, Immediate())) // fills the buffer

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- ch.Write(context.Background(), 2, Infinite())
	}()
	time.Sleep(10 * time.Millisecond)

	v, err := ch.Read(context.Background(), Infinite())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("buffered-slot write never completed")
	}

	v, err = ch.Read(context.Background(), Immediate())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestChannel_ImmediateDeadlineFailsWithNoPeer(t *testing.T) {
	ch := NewChannel[int]()
	_, err := ch.Read(context.Background(), Immediate())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChannel_FiniteDeadlineTimesOut(t *testing.T) {
	ch := NewChannel[int]()
	_, err := ch.Read(context.Background(), In(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChannel_OverflowReject(t *testing.T) {
	ch := NewChannel[int](WithMaxPendingReaders(1))

	f1 := ch.submitRead(Infinite(), nil)
	f2 := ch.submitRead(Infinite(), nil)
	_, err := f2.Wait(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)
	assert.False(t, f1.Settled())
}

func TestChannel_OverflowEvictOldest(t *testing.T) {
	ch := NewChannel[int](WithMaxPendingReaders(1), WithOverflowPolicies(EvictOldest, Reject))

	f1 := ch.submitRead(Infinite(), nil)
	f2 := ch.submitRead(Infinite(), nil)

	_, err := f1.Wait(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)
	assert.False(t, f2.Settled())
}

func TestChannel_RetireGracefulLeavesPendingReaderQueued(t *testing.T) {
	ch := NewChannel[int]()
	f := ch.submitRead(Infinite(), nil)

	ch.Retire(false)
	// No buffered writers: countdown is 1, so the channel stays Retiring
	// (not yet Retired) until one more transfer occurs; the already-queued
	// reader is unaffected until then.
	assert.False(t, ch.IsRetired())
	assert.False(t, f.Settled())
}

func TestChannel_RetireAbruptFailsBufferedWriters(t *testing.T) {
	ch := NewChannel[int](WithBufferSize(1))
	require.NoError(t, ch.Write(context.Background(), 1, Immediate()))

	ch.Retire(true)

	_, err := ch.Read(context.Background(), Immediate())
	assert.Error(t, err)
}

func TestChannel_JoinLeaveBeginsRetirement(t *testing.T) {
	ch := NewChannel[int]()
	require.NoError(t, ch.Join(true))
	ch.Leave(true)

	// Last reader left: graceful retirement begins, but with nothing
	// buffered to drain, the channel stays Retiring until one more
	// transfer occurs - it does not flip straight to Retired.
	assert.False(t, ch.IsRetired())

	// Still accepts a fresh Join while merely Retiring (only a fully
	// Retired channel rejects it).
	assert.NoError(t, ch.Join(false))
}

func TestChannel_RetiredChannelRejectsJoin(t *testing.T) {
	ch := NewChannel[int](WithBufferSize(1))
	require.NoError(t, ch.Write(context.Background(), 1, Immediate()))
	ch.Retire(false) // graceful: countdown = bufferedCount(1) + 1 = 2

	_, err := ch.Read(context.Background(), Immediate())
	require.NoError(t, err) // drains the one buffered writer, countdown -> 1, not yet Retired
	assert.False(t, ch.IsRetired())

	// A second write now has nowhere to buffer (retiring halts buffer
	// admission) and no reader waiting, so it queues; pair it with a
	// second read to exhaust the countdown and flip to Retired.
	writeErr := make(chan error, 1)
	go func() { writeErr <- ch.Write(context.Background(), 2, Infinite()) }()
	time.Sleep(10 * time.Millisecond)
	_, err = ch.Read(context.Background(), Infinite())
	require.NoError(t, err)
	require.NoError(t, <-writeErr)

	assert.True(t, ch.IsRetired())
	assert.ErrorIs(t, ch.Join(true), ErrRetired)
}

func TestChannel_ContextCancellationRemovesQueuedEntry(t *testing.T) {
	ch := NewChannel[int]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = ch.Read(ctx, Infinite())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled read never returned")
	}

	ch.mu.Lock()
	n := ch.readerQueue.Len()
	ch.mu.Unlock()
	assert.Equal(t, 0, n)
}
