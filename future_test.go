package cocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveThenWait(t *testing.T) {
	f := newFuture[int]()
	f.resolve(42)
	assert.True(t, f.Settled())

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_RejectThenWait(t *testing.T) {
	f := newFuture[int]()
	f.reject(ErrTimeout)

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFuture_SettleOnlyOnce(t *testing.T) {
	f := newFuture[int]()
	f.resolve(1)
	f.resolve(2)
	f.reject(ErrOverflow)

	v, err := f.result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_WaitCancelledContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.Settled())
}

func TestFuture_Abandon(t *testing.T) {
	f := newFuture[int]()
	var cleaned bool
	f.onAbandon = func() { cleaned = true }

	f.abandon()
	assert.True(t, cleaned)

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFuture_DoneClosesOnSettle(t *testing.T) {
	f := newFuture[int]()
	select {
	case <-f.Done():
		t.Fatal("future should not be done yet")
	case <-time.After(10 * time.Millisecond):
	}
	f.resolve(7)
	select {
	case <-f.Done():
	default:
		t.Fatal("future should be done")
	}
}
