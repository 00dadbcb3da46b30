package cocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastChannel_WaitsForBarrier(t *testing.T) {
	ch := NewBroadcastChannel[int](2, -1)
	require.NoError(t, ch.Join(true))
	require.NoError(t, ch.Join(true))

	var r1, r2 int
	var e1, e2 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r1, e1 = ch.Read(context.Background(), Infinite()) }()
	go func() { defer wg.Done(); r2, e2 = ch.Read(context.Background(), Infinite()) }()

	time.Sleep(10 * time.Millisecond)
	writeErr := make(chan error, 1)
	go func() { writeErr <- ch.Write(context.Background(), 99, Infinite()) }()

	wg.Wait()
	require.NoError(t, <-writeErr)
	require.NoError(t, e1)
	require.NoError(t, e2)
	assert.Equal(t, 99, r1)
	assert.Equal(t, 99, r2)
}

func TestBroadcastChannel_BelowMinimumReadersBlocks(t *testing.T) {
	ch := NewBroadcastChannel[int](2, -1)
	require.NoError(t, ch.Join(true)) // only one of the required two

	done := make(chan struct{})
	go func() {
		_, _ = ch.Read(context.Background(), Infinite())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	err := ch.Write(context.Background(), 1, Immediate())
	assert.ErrorIs(t, err, ErrTimeout)

	select {
	case <-done:
		t.Fatal("reader should still be waiting on the barrier")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcastChannel_InitialBarrierClearedAfterFirstBroadcast(t *testing.T) {
	ch := NewBroadcastChannel[int](1, 2)
	require.NoError(t, ch.Join(true))
	require.NoError(t, ch.Join(true))

	// First broadcast needs max(1,2)=2 readers.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = ch.Read(context.Background(), Infinite()) }()
	go func() { defer wg.Done(); _, _ = ch.Read(context.Background(), Infinite()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Write(context.Background(), 1, Infinite()))
	wg.Wait()

	// Second broadcast only needs minimumReaders=1: drop one reader and
	// confirm a solo reader still completes.
	ch.Leave(true)

	readErr := make(chan error, 1)
	go func() {
		_, err := ch.Read(context.Background(), Infinite())
		readErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Write(context.Background(), 2, Infinite()))
	require.NoError(t, <-readErr)
}

func TestBroadcastChannel_Retire(t *testing.T) {
	ch := NewBroadcastChannel[int](1, -1)
	require.NoError(t, ch.Join(true))
	ch.Leave(true)
	assert.False(t, ch.IsRetired())

	_, err := ch.Read(context.Background(), Immediate())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBroadcastChannel_SetMinimumReadersAsyncUnblocksPendingWriter(t *testing.T) {
	ch := NewBroadcastChannel[int](2, -1)
	require.NoError(t, ch.Join(true)) // only one joined reader

	writeErr := make(chan error, 1)
	go func() { writeErr <- ch.Write(context.Background(), 7, Infinite()) }()
	time.Sleep(10 * time.Millisecond)

	readErr := make(chan error, 1)
	var got int
	go func() {
		v, err := ch.Read(context.Background(), Infinite())
		got = v
		readErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	ch.SetMinimumReadersAsync(1)

	require.NoError(t, <-writeErr)
	require.NoError(t, <-readErr)
	assert.Equal(t, 7, got)
}
