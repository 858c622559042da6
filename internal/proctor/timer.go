package proctor

import (
	"sync"
	"time"
)

// Timer is a second-granularity countdown. It does not own a goroutine:
// whoever drives the session calls Advance once per elapsed second, which
// keeps ticks on the same turn as the events they race with.
type Timer struct {
	mu        sync.Mutex
	remaining int
	timed     bool
	running   bool
	cancelled bool
	onTick    []func(remaining int)
	onExpire  []func()
}

// NewTimer returns an idle timer.
func NewTimer() *Timer {
	return &Timer{}
}

// OnTick registers fn to receive the new remaining seconds after each tick.
func (t *Timer) OnTick(fn func(remaining int)) {
	t.mu.Lock()
	t.onTick = append(t.onTick, fn)
	t.mu.Unlock()
}

// OnExpire registers fn to run once when the countdown reaches zero.
func (t *Timer) OnExpire(fn func()) {
	t.mu.Lock()
	t.onExpire = append(t.onExpire, fn)
	t.mu.Unlock()
}

// Start begins counting down from durationSeconds. A non-positive duration
// means an untimed test: the timer never ticks and never expires.
func (t *Timer) Start(durationSeconds int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || t.cancelled {
		return
	}
	if durationSeconds <= 0 {
		t.timed = false
		return
	}
	t.timed = true
	t.running = true
	t.remaining = durationSeconds
}

// Advance consumes one elapsed second. It returns false when the timer is not
// running. Callbacks run without the lock held and are skipped as soon as
// Cancel has been observed, including between the tick and expiry callbacks.
func (t *Timer) Advance() bool {
	t.mu.Lock()
	if !t.running || t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.remaining--
	remaining := t.remaining
	ticks := make([]func(int), len(t.onTick))
	copy(ticks, t.onTick)
	var expires []func()
	if remaining <= 0 {
		t.remaining = 0
		t.running = false
		expires = append(expires, t.onExpire...)
	}
	t.mu.Unlock()

	for _, fn := range ticks {
		if t.isCancelled() {
			return true
		}
		fn(remaining)
	}
	for _, fn := range expires {
		if t.isCancelled() {
			return true
		}
		fn()
	}
	return true
}

// Cancel stops the countdown. Safe to call repeatedly.
func (t *Timer) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.running = false
	t.mu.Unlock()
}

// Remaining returns the seconds left. It is frozen after Cancel.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Running reports whether Advance would currently tick.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Timed reports whether the timer was started with a positive duration.
func (t *Timer) Timed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timed
}

func (t *Timer) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Ticker is the clock source that paces Advance.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Stopper cancels a pending AfterFunc.
type Stopper interface {
	Stop() bool
}

// Clock creates tickers and delayed calls. Tests substitute a manual clock.
type Clock interface {
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, fn func()) Stopper
	Now() time.Time
}

type realClock struct{}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

func (realClock) AfterFunc(d time.Duration, fn func()) Stopper {
	return time.AfterFunc(d, fn)
}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}
