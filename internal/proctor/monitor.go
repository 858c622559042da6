package proctor

import (
	"strings"
	"sync"
	"time"
)

// EventKind is a normalized environment event.
type EventKind string

const (
	EventFullscreenExited     EventKind = "fullscreen_exited"
	EventFullscreenEntered    EventKind = "fullscreen_entered"
	EventTabHidden            EventKind = "tab_hidden"
	EventWindowBlurred        EventKind = "window_blurred"
	EventCopyAttempted        EventKind = "copy_attempted"
	EventPasteAttempted       EventKind = "paste_attempted"
	EventRestrictedKeyPressed EventKind = "restricted_key_pressed"
)

// Event is what the monitor emits to the state machine.
type Event struct {
	Kind EventKind
	Key  string
	At   time.Time
}

// MonitorConfig tunes the monitor.
type MonitorConfig struct {
	// BlurCoalesce merges a window blur and a visibility loss that arrive
	// within this window into a single tab-switch event. Zero disables it.
	BlurCoalesce time.Duration
	Clock        Clock
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	removers []func()
	once     sync.Once
}

func (s *Subscription) release() {
	s.once.Do(func() {
		for _, remove := range s.removers {
			if remove != nil {
				remove()
			}
		}
		s.removers = nil
	})
}

// Monitor translates raw host signals into Events.
type Monitor struct {
	host  Host
	sink  func(Event)
	cfg   MonitorConfig
	clock Clock

	mu        sync.Mutex
	sub       *Subscription
	engaged   bool
	lastAway  time.Time
	lastAwayK EventKind
}

// NewMonitor creates a monitor that delivers events to sink.
func NewMonitor(host Host, sink func(Event), cfg MonitorConfig) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Monitor{host: host, sink: sink, cfg: cfg, clock: clock}
}

// Subscribe starts listening. It returns nil and does nothing when
// sessionActive is false, and returns the existing handle when already
// subscribed. Signal kinds the host cannot deliver are skipped silently.
func (m *Monitor) Subscribe(sessionActive bool) *Subscription {
	if !sessionActive {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != nil {
		return m.sub
	}

	m.engaged = m.host.IsFullscreen()
	m.lastAway = time.Time{}

	sub := &Subscription{}
	listen := func(c Capability, kind SignalKind, fn func(Signal)) {
		if !m.host.Supports(c) {
			return
		}
		sub.removers = append(sub.removers, m.host.Listen(kind, fn))
	}

	listen(CapFullscreen, SignalFullscreenChange, m.onFullscreenChange)
	listen(CapVisibility, SignalVisibilityChange, m.onVisibilityChange)
	listen(CapFocus, SignalWindowBlur, m.onWindowBlur)
	listen(CapClipboard, SignalCopy, m.onCopy)
	listen(CapClipboard, SignalPaste, m.onPaste)
	listen(CapKeyboard, SignalKeyDown, m.onKeyDown)

	m.sub = sub
	return sub
}

// Unsubscribe releases every listener held by h. Nil and repeated calls are
// no-ops.
func (m *Monitor) Unsubscribe(h *Subscription) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.sub == h {
		m.sub = nil
	}
	m.mu.Unlock()
	h.release()
}

// Subscribed reports whether listeners are currently attached.
func (m *Monitor) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

// FullscreenEngaged returns the last-known fullscreen state.
func (m *Monitor) FullscreenEngaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engaged
}

func (m *Monitor) active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

func (m *Monitor) emit(kind EventKind, key string) {
	m.sink(Event{Kind: kind, Key: key, At: m.clock.Now()})
}

func (m *Monitor) onFullscreenChange(s Signal) {
	m.mu.Lock()
	if m.sub == nil {
		m.mu.Unlock()
		return
	}
	was := m.engaged
	m.engaged = s.Fullscreen
	m.mu.Unlock()

	switch {
	case was && !s.Fullscreen:
		m.emit(EventFullscreenExited, "")
	case !was && s.Fullscreen:
		m.emit(EventFullscreenEntered, "")
	}
}

func (m *Monitor) onVisibilityChange(s Signal) {
	if !s.Hidden {
		return
	}
	m.away(EventTabHidden)
}

func (m *Monitor) onWindowBlur(Signal) {
	m.away(EventWindowBlurred)
}

// away emits a tab-switch style event unless its counterpart was just seen.
func (m *Monitor) away(kind EventKind) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.sub == nil {
		m.mu.Unlock()
		return
	}
	if m.cfg.BlurCoalesce > 0 && !m.lastAway.IsZero() &&
		m.lastAwayK != kind && now.Sub(m.lastAway) < m.cfg.BlurCoalesce {
		m.lastAway = time.Time{}
		m.mu.Unlock()
		return
	}
	m.lastAway = now
	m.lastAwayK = kind
	m.mu.Unlock()

	m.emit(kind, "")
}

func (m *Monitor) onCopy(s Signal) {
	if !m.active() {
		return
	}
	s.PreventDefault()
	m.emit(EventCopyAttempted, "")
}

func (m *Monitor) onPaste(s Signal) {
	if !m.active() {
		return
	}
	s.PreventDefault()
	m.emit(EventPasteAttempted, "")
}

func (m *Monitor) onKeyDown(s Signal) {
	if !m.active() || !IsRestrictedKey(s) {
		return
	}
	s.PreventDefault()
	m.emit(EventRestrictedKeyPressed, describeKey(s))
}

var (
	modifierKeys = map[string]bool{
		"c": true, "v": true, "x": true, "a": true,
		"p": true, "s": true, "f": true, "u": true,
	}
	devToolsKeys = map[string]bool{"i": true, "j": true, "c": true}
)

// IsRestrictedKey reports whether s is a shortcut blocked during a secure
// test: clipboard, select-all, print, save, find, view-source, dev tools,
// window switching and screenshots.
func IsRestrictedKey(s Signal) bool {
	key := strings.ToLower(s.Key)
	switch key {
	case "f12", "printscreen":
		return true
	case "tab":
		return s.Alt
	}
	if !s.Ctrl && !s.Meta {
		return false
	}
	if s.Shift && devToolsKeys[key] {
		return true
	}
	return modifierKeys[key]
}

func describeKey(s Signal) string {
	var parts []string
	if s.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if s.Meta {
		parts = append(parts, "Meta")
	}
	if s.Alt {
		parts = append(parts, "Alt")
	}
	if s.Shift {
		parts = append(parts, "Shift")
	}
	parts = append(parts, s.Key)
	return strings.Join(parts, "+")
}
