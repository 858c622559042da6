package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionHello           Action = "hello"
	ActionSignal          Action = "signal"
	ActionCommandResult   Action = "command_result"
	ActionBegin           Action = "begin"
	ActionAutosave        Action = "autosave"
	ActionRequestExit     Action = "request_exit"
	ActionConfirmExit     Action = "confirm_exit"
	ActionCancelExit      Action = "cancel_exit"
	ActionRetrySubmission Action = "retry_submission"
	ActionPing            Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// HelloRequest is the first message on a secure-test stream. It describes
// the browser the agent runs in.
type HelloRequest struct {
	Action       Action         `json:"action"`
	Device       proctor.Device `json:"device"`
	Capabilities []string       `json:"capabilities"`
	Fullscreen   bool           `json:"fullscreen"`
}

// SignalRequest forwards one raw browser event.
type SignalRequest struct {
	Action     Action             `json:"action"`
	Seq        int64              `json:"seq"`
	Kind       proctor.SignalKind `json:"kind"`
	Fullscreen bool               `json:"fullscreen,omitempty"`
	Hidden     bool               `json:"hidden,omitempty"`
	Key        string             `json:"key,omitempty"`
	Ctrl       bool               `json:"ctrl,omitempty"`
	Meta       bool               `json:"meta,omitempty"`
	Alt        bool               `json:"alt,omitempty"`
	Shift      bool               `json:"shift,omitempty"`
}

// CommandResultRequest answers a CommandEvent.
type CommandResultRequest struct {
	Action   Action `json:"action"`
	ID       string `json:"id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
}

// AutosaveRequest replaces the answer held for submission.
type AutosaveRequest struct {
	Action Action   `json:"action"`
	Text   string   `json:"text" binding:"max=100000"`
	Files  []string `json:"files" binding:"omitempty,max=20,dive,url"`
}

// ConfirmExitRequest confirms a manual exit.
type ConfirmExitRequest struct {
	Action        Action `json:"action"`
	Justification string `json:"justification" binding:"required,trimmed_min=10,max=2000"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventNotice         Event = "notice"
	EventState          Event = "state"
	EventCommand        Event = "command"
	EventPreventDefault Event = "prevent_default"
	EventError          Event = "error"
	EventPong           Event = "pong"
)

// Command names understood by the browser agent.
type Command string

const (
	CommandRequestFullscreen Command = "request_fullscreen"
	CommandExitFullscreen    Command = "exit_fullscreen"
	CommandAcquireCamera     Command = "acquire_camera"
	CommandAcquireScreen     Command = "acquire_screen"
	CommandStopStream        Command = "stop_stream"
)

type NoticeEvent struct {
	Event  Event          `json:"event"`
	Notice proctor.Notice `json:"notice"`
}

type StateEvent struct {
	Event    Event                 `json:"event"`
	Snapshot model.ProctorSnapshot `json:"snapshot"`
}

// CommandEvent asks the agent to act. Every command except stop_stream is
// answered with a CommandResultRequest carrying the same ID.
type CommandEvent struct {
	Event    Event   `json:"event"`
	ID       string  `json:"id"`
	Command  Command `json:"command"`
	StreamID string  `json:"stream_id,omitempty"`
}

type PreventDefaultEvent struct {
	Event Event `json:"event"`
	Seq   int64 `json:"seq"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
