package proctor

import (
	"github.com/stemsi/exstem-proctor/internal/model"
)

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeStarted       NoticeKind = "started"
	NoticeWarning       NoticeKind = "warning"
	NoticeBlocked       NoticeKind = "blocked"
	NoticeRestored      NoticeKind = "restored"
	NoticeExitPrompt    NoticeKind = "exit_prompt"
	NoticeExitCancelled NoticeKind = "exit_cancelled"
	NoticeTerminated    NoticeKind = "terminated"
	NoticeTick          NoticeKind = "tick"
	NoticeTimeLow       NoticeKind = "time_low"
	NoticeSubmitted     NoticeKind = "submitted"
	NoticeSubmitFailed  NoticeKind = "submit_failed"
)

// Notice is shown to the test-taker. Every warning and every termination
// reason has its own message.
type Notice struct {
	Kind             NoticeKind                      `json:"kind"`
	Message          string                          `json:"message,omitempty"`
	Category         model.ViolationCategory         `json:"category,omitempty"`
	Count            int                             `json:"count,omitempty"`
	Max              int                             `json:"max,omitempty"`
	Reason           model.TerminationReason         `json:"reason,omitempty"`
	State            model.ProctorState              `json:"state"`
	RemainingSeconds int                             `json:"remaining_seconds"`
	Counts           map[model.ViolationCategory]int `json:"violation_counts,omitempty"`
}

// Notifier receives notices. Implementations must not block for long: they
// are called on the session's event loop.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

const (
	msgFullscreenWarning = "You left fullscreen mode. Return to fullscreen to continue the test. Warning %d of %d."
	msgFullscreenFinal   = "Maximum fullscreen exit warnings reached. Test is being submitted."
	msgTabWarning        = "Switching tabs or windows is not allowed. Warning %d of %d."
	msgTabFinal          = "Maximum tab switch warnings reached. Test is being submitted."
	msgCopyBlocked       = "Copying is disabled during the secure test."
	msgPasteBlocked      = "Pasting is disabled during the secure test."
	msgKeyBlocked        = "Keyboard shortcut %s is disabled during the secure test."
	msgRestored          = "Fullscreen restored."
	msgStarted           = "Secure test started. Stay in fullscreen and do not switch tabs."
	msgExitPrompt        = "Leaving the secure test submits your answers. Explain why you are leaving (at least %d characters)."
	msgExitCancelled     = "Exit cancelled. The secure test continues."
	msgManualExit        = "You left the secure test. Your answers are being submitted."
	msgTimeUp            = "Time is up. Your answers are being submitted."
	msgTimeLow           = "%d minute(s) remaining."
	msgSubmitted         = "Your answers have been submitted."
	msgSubmitFailed      = "Your answers could not be submitted. Please retry."
)
