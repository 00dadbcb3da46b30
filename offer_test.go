package cocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffer_NilIsDegenerate(t *testing.T) {
	var o *Offer
	ok, err := o.Offer(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, o.Commit())
	o.Withdraw() // must not panic
	assert.True(t, o.AtomicIsFirstCommitter())
	assert.False(t, o.IsTaken())
	assert.False(t, o.TimedOut())
}

func TestOffer_SingleAcceptance(t *testing.T) {
	o := NewOffer(Infinite())

	ok, err := o.Offer(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, o.Commit())
	assert.True(t, o.IsTaken())

	ok, err = o.Offer(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOffer_WithdrawWakesOneWaiter(t *testing.T) {
	o := NewOffer(Infinite())
	ok, _ := o.Offer(context.Background())
	require.True(t, ok)

	retried := make(chan bool, 1)
	go func() {
		ok, err := o.Offer(context.Background())
		assert.NoError(t, err)
		retried <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	o.Withdraw()

	select {
	case ok := <-retried:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}
}

func TestOffer_CommitWakesWaitersWithFalse(t *testing.T) {
	o := NewOffer(Infinite())
	ok, _ := o.Offer(context.Background())
	require.True(t, ok)

	result := make(chan bool, 1)
	go func() {
		ok, _ := o.Offer(context.Background())
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, o.Commit())

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}
}

func TestOffer_AtomicIsFirstCommitter(t *testing.T) {
	o := NewOffer(Infinite())
	assert.True(t, o.AtomicIsFirstCommitter())
	assert.False(t, o.AtomicIsFirstCommitter())
}

func TestOffer_CommitCallbackError(t *testing.T) {
	o := NewOffer(Infinite())
	sentinel := assert.AnError
	o.WithCommitCallback(func() error { return sentinel })

	ok, _ := o.Offer(context.Background())
	require.True(t, ok)
	assert.ErrorIs(t, o.Commit(), sentinel)
	assert.True(t, o.IsTaken())
}

func TestOffer_ProbePhaseCompleteFiresImmediatelyWhenElapsed(t *testing.T) {
	restore := stubTimeNow(time.Unix(2000, 0))
	defer restore()

	o := NewOffer(At(time.Unix(1000, 0)))
	exp := NewExpirationService()
	defer exp.Close()

	o.probePhaseComplete(exp)
	assert.True(t, o.TimedOut())
	assert.True(t, o.IsTaken())
}

func TestOffer_ProbePhaseCompleteSchedulesFutureDeadline(t *testing.T) {
	o := NewOffer(In(20 * time.Millisecond))
	exp := NewExpirationService()
	defer exp.Close()

	o.probePhaseComplete(exp)
	assert.False(t, o.TimedOut())

	select {
	case <-o.Resolved():
	case <-time.After(time.Second):
		t.Fatal("offer never timed out")
	}
	assert.True(t, o.TimedOut())
}
