package proctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerExpiresExactlyOnce(t *testing.T) {
	tm := NewTimer()
	var ticks []int
	expired := 0
	tm.OnTick(func(r int) { ticks = append(ticks, r) })
	tm.OnExpire(func() { expired++ })

	tm.Start(60)
	for i := 0; i < 75; i++ {
		tm.Advance()
	}

	require.Len(t, ticks, 60)
	assert.Equal(t, 59, ticks[0])
	assert.Equal(t, 0, ticks[59])
	assert.Equal(t, 1, expired)
	assert.False(t, tm.Running())
	assert.Equal(t, 0, tm.Remaining())
}

func TestTimerCancelStopsCallbacks(t *testing.T) {
	tm := NewTimer()
	ticks := 0
	expired := 0
	tm.OnTick(func(int) { ticks++ })
	tm.OnExpire(func() { expired++ })

	tm.Start(5)
	tm.Advance()
	tm.Advance()
	tm.Cancel()
	tm.Cancel()

	assert.False(t, tm.Advance())
	assert.Equal(t, 2, ticks)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 3, tm.Remaining())
}

func TestTimerCancelFromTickSkipsExpiry(t *testing.T) {
	tm := NewTimer()
	expired := 0
	tm.OnTick(func(r int) {
		if r == 0 {
			tm.Cancel()
		}
	})
	tm.OnExpire(func() { expired++ })

	tm.Start(1)
	tm.Advance()

	assert.Equal(t, 0, expired)
}

func TestTimerUntimed(t *testing.T) {
	tm := NewTimer()
	ticks := 0
	tm.OnTick(func(int) { ticks++ })

	tm.Start(0)
	assert.False(t, tm.Advance())
	assert.False(t, tm.Timed())
	assert.Equal(t, 0, ticks)
}

func TestTimerStartIgnoredWhileRunning(t *testing.T) {
	tm := NewTimer()
	tm.Start(10)
	tm.Advance()
	tm.Start(100)

	assert.Equal(t, 9, tm.Remaining())
}
