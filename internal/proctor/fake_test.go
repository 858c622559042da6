package proctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// fakeHost is an in-memory Host. Signals are delivered synchronously by Fire.
type fakeHost struct {
	mu sync.Mutex

	device        Device
	unsupported   map[Capability]bool
	fullscreen    bool
	fullscreenErr error
	cameraErr     error
	screenErr     error

	listeners map[SignalKind]map[int]func(Signal)
	nextID    int

	requests  int
	exits     int
	prevented int
	streams   []*fakeStream
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		device:      Device{ViewportWidth: 1920, ViewportHeight: 1080, UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"},
		unsupported: map[Capability]bool{},
		listeners:   map[SignalKind]map[int]func(Signal){},
	}
}

func (h *fakeHost) Device() Device { return h.device }

func (h *fakeHost) Supports(c Capability) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unsupported[c]
}

func (h *fakeHost) Listen(kind SignalKind, fn func(Signal)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[kind] == nil {
		h.listeners[kind] = map[int]func(Signal){}
	}
	id := h.nextID
	h.nextID++
	h.listeners[kind][id] = fn
	return func() {
		h.mu.Lock()
		delete(h.listeners[kind], id)
		h.mu.Unlock()
	}
}

func (h *fakeHost) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.listeners {
		n += len(m)
	}
	return n
}

// Fire delivers s to every listener of its kind.
func (h *fakeHost) Fire(s Signal) {
	h.mu.Lock()
	if s.Kind == SignalFullscreenChange {
		h.fullscreen = s.Fullscreen
	}
	fns := make([]func(Signal), 0, len(h.listeners[s.Kind]))
	for _, fn := range h.listeners[s.Kind] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	sig := NewSignal(s, func() {
		h.mu.Lock()
		h.prevented++
		h.mu.Unlock()
	})
	for _, fn := range fns {
		fn(sig)
	}
}

func (h *fakeHost) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

func (h *fakeHost) RequestFullscreen(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	if h.fullscreenErr != nil {
		return h.fullscreenErr
	}
	h.fullscreen = true
	return nil
}

func (h *fakeHost) ExitFullscreen(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exits++
	h.fullscreen = false
	return nil
}

func (h *fakeHost) AcquireCamera(context.Context) (MediaStream, error) {
	return h.acquire(h.cameraErr)
}

func (h *fakeHost) AcquireScreen(context.Context) (MediaStream, error) {
	return h.acquire(h.screenErr)
}

func (h *fakeHost) acquire(err error) (MediaStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st := &fakeStream{}
	h.streams = append(h.streams, st)
	return st, nil
}

func (h *fakeHost) liveStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.streams {
		if st.stops == 0 {
			n++
		}
	}
	return n
}

type fakeStream struct {
	mu    sync.Mutex
	stops int
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// manualClock only moves when told to.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
	ticker  *manualTicker
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &manualTicker{ch: make(chan time.Time, 1)}
	return c.ticker
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{delay: d, fn: fn}
	c.pending = append(c.pending, t)
	return t
}

// FirePending runs every scheduled function that has not been stopped.
func (c *manualClock) FirePending() int {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	fired := 0
	for _, t := range pending {
		if t.fire() {
			fired++
		}
	}
	return fired
}

func (c *manualClock) pendingDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.pending {
		if !t.isStopped() {
			out = append(out, t.delay)
		}
	}
	return out
}

type manualTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *manualTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *manualTimer) fire() bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	t.mu.Unlock()
	t.fn()
	return true
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

// recordingAudit collects entries and optionally fails.
type recordingAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	err     error
}

func (a *recordingAudit) Log(_ context.Context, e model.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) actions() []model.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AuditAction, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []model.Submission
	fail  int
}

var errSubmitUnavailable = errors.New("submission endpoint unavailable")

func (s *recordingSubmitter) Submit(_ context.Context, sub model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sub)
	if s.fail > 0 {
		s.fail--
		return errSubmitUnavailable
	}
	return nil
}

func (s *recordingSubmitter) submissions() []model.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Submission(nil), s.calls...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, 0, len(n.notices))
	for _, x := range n.notices {
		out = append(out, x.Kind)
	}
	return out
}

func (n *recordingNotifier) last(kind NoticeKind) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.notices) - 1; i >= 0; i-- {
		if n.notices[i].Kind == kind {
			return n.notices[i], true
		}
	}
	return Notice{}, false
}
