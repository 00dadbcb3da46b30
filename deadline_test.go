package cocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadline_Infinite(t *testing.T) {
	d := Infinite()
	assert.True(t, d.IsInfinite())
	assert.False(t, d.IsImmediate())
	_, ok := d.Time()
	assert.False(t, ok)
	assert.False(t, d.elapsed(time.Now().Add(time.Hour)))
}

func TestDeadline_Immediate(t *testing.T) {
	d := Immediate()
	assert.True(t, d.IsImmediate())
	assert.True(t, d.elapsed(time.Now()))
}

func TestDeadline_At(t *testing.T) {
	now := time.Now()
	d := At(now.Add(-time.Second))
	assert.True(t, d.elapsed(now))

	d2 := At(now.Add(time.Hour))
	assert.False(t, d2.elapsed(now))
	got, ok := d2.Time()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), got)
}

func TestDeadline_In(t *testing.T) {
	restore := stubTimeNow(time.Unix(1000, 0))
	defer restore()
	d := In(5 * time.Second)
	got, ok := d.Time()
	require.True(t, ok)
	assert.Equal(t, time.Unix(1005, 0), got)
}

// stubTimeNow overrides the package's injectable time source for the
// duration of a test, following the teacher's catrate package convention.
func stubTimeNow(at time.Time) (restore func()) {
	prev := timeNow
	timeNow = func() time.Time { return at }
	return func() { timeNow = prev }
}
