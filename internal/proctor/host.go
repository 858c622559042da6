package proctor

import (
	"context"
	"strings"
)

// Capability is a host feature the proctor may depend on.
type Capability string

const (
	CapFullscreen Capability = "fullscreen"
	CapVisibility Capability = "visibility"
	CapFocus      Capability = "focus"
	CapClipboard  Capability = "clipboard"
	CapKeyboard   Capability = "keyboard"
	CapMedia      Capability = "media"
)

// SignalKind is a raw host notification.
type SignalKind string

const (
	SignalFullscreenChange SignalKind = "fullscreen_change"
	SignalVisibilityChange SignalKind = "visibility_change"
	SignalWindowBlur       SignalKind = "window_blur"
	SignalCopy             SignalKind = "copy"
	SignalPaste            SignalKind = "paste"
	SignalKeyDown          SignalKind = "keydown"
)

// Signal is a raw host notification as delivered to a listener.
type Signal struct {
	Kind SignalKind

	// Fullscreen is the host fullscreen state after a fullscreen_change.
	Fullscreen bool
	// Hidden is the document visibility after a visibility_change.
	Hidden bool

	// Key fields for keydown, following KeyboardEvent.key naming.
	Key   string
	Ctrl  bool
	Meta  bool
	Alt   bool
	Shift bool

	prevent func()
}

// NewSignal attaches a default-suppression hook to s.
func NewSignal(s Signal, prevent func()) Signal {
	s.prevent = prevent
	return s
}

// PreventDefault asks the host to cancel the default action. It must be
// called synchronously from the listener.
func (s Signal) PreventDefault() {
	if s.prevent != nil {
		s.prevent()
	}
}

// MediaStream is an acquired camera or screen capture.
type MediaStream interface {
	Stop()
}

// Device describes the test-taker's viewport.
type Device struct {
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Mobile         bool   `json:"mobile"`
	UserAgent      string `json:"user_agent"`
}

var mobileUAMarkers = []string{"mobi", "android", "iphone", "ipad", "ipod"}

// IsSmallOrMobile reports whether secure tests must be refused on d.
func (d Device) IsSmallOrMobile(minWidth int) bool {
	if d.Mobile {
		return true
	}
	if d.ViewportWidth > 0 && d.ViewportWidth < minWidth {
		return true
	}
	ua := strings.ToLower(d.UserAgent)
	for _, m := range mobileUAMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}

// Host is the test-taker's environment. Nothing outside the monitor and the
// session driver touches it.
type Host interface {
	Device() Device
	Supports(c Capability) bool

	// Listen registers fn for kind and returns a function that removes it.
	// fn is invoked synchronously on the host's event delivery path.
	Listen(kind SignalKind, fn func(Signal)) (remove func())

	IsFullscreen() bool
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error

	AcquireCamera(ctx context.Context) (MediaStream, error)
	AcquireScreen(ctx context.Context) (MediaStream, error)
}
