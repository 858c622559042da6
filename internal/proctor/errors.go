package proctor

import "errors"

// Errors returned by Session. Callers compare with errors.Is.
var (
	ErrProctoringNotRequired  = errors.New("proctor: assignment does not require proctoring")
	ErrUnsupportedDevice      = errors.New("proctor: secure tests are not available on mobile or small screens")
	ErrUnsupportedEnvironment = errors.New("proctor: host lacks fullscreen or media capture support")
	ErrFullscreenDenied       = errors.New("proctor: fullscreen request rejected")
	ErrMediaDenied            = errors.New("proctor: camera or screen capture rejected")
	ErrAlreadyStarted         = errors.New("proctor: session already started")
	ErrNotStarted             = errors.New("proctor: session not started")
	ErrTerminated             = errors.New("proctor: session terminated")
	ErrNotTerminated          = errors.New("proctor: session still running")
	ErrNoExitPending          = errors.New("proctor: no exit request pending")
	ErrJustificationTooShort  = errors.New("proctor: exit justification too short")
)
