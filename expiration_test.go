package cocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpirationService_FiresInOrder(t *testing.T) {
	svc := NewExpirationService()
	defer svc.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	now := time.Now()
	svc.schedule(now.Add(30*time.Millisecond), func() {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		wg.Done()
	})
	svc.schedule(now.Add(10*time.Millisecond), func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	})
	svc.schedule(now.Add(20*time.Millisecond), func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestExpirationService_CancelPreventsFire(t *testing.T) {
	svc := NewExpirationService()
	defer svc.Close()

	fired := make(chan struct{}, 1)
	h := svc.schedule(time.Now().Add(20*time.Millisecond), func() { fired <- struct{}{} })
	svc.cancel(h)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExpirationService_Close(t *testing.T) {
	svc := NewExpirationService()
	svc.Close()
	svc.Close() // idempotent

	require.NotPanics(t, func() {
		svc.schedule(time.Now().Add(time.Hour), func() {})
	})
}

func TestMinDuration(t *testing.T) {
	assert.Equal(t, 1, minDuration(1, 2))
	assert.Equal(t, 2, minDuration(3, 2))
}
