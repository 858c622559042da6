package model

import (
	"github.com/google/uuid"
)

// ProctorState enumerates the states of a proctored session.
type ProctorState string

const (
	ProctorStateIdle       ProctorState = "IDLE"
	ProctorStateActive     ProctorState = "ACTIVE"
	ProctorStateWarning    ProctorState = "WARNING"
	ProctorStateTerminated ProctorState = "TERMINATED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ProctorState) IsTerminal() bool {
	return s == ProctorStateTerminated
}

// IsMonitored reports whether the environment must be watched in this state.
func (s ProctorState) IsMonitored() bool {
	return s == ProctorStateActive || s == ProctorStateWarning
}

// TerminationReason records why a session ended.
type TerminationReason string

const (
	TerminationAutoSubmitted TerminationReason = "AUTO_SUBMITTED"
	TerminationManualExit    TerminationReason = "MANUAL_EXIT"
	TerminationTimeExpired   TerminationReason = "TIME_EXPIRED"
)

// ViolationCategory is a class of integrity breach with its own counter.
type ViolationCategory string

const (
	ViolationFullscreen ViolationCategory = "fullscreen"
	ViolationTabSwitch  ViolationCategory = "tab_switch"
)

// ViolationCategories lists every counted category in display order.
var ViolationCategories = []ViolationCategory{ViolationFullscreen, ViolationTabSwitch}

// ProctorSnapshot is a point-in-time copy of a proctored session.
type ProctorSnapshot struct {
	SessionID         uuid.UUID                 `json:"session_id"`
	AssignmentID      uuid.UUID                 `json:"assignment_id"`
	StudentID         int                       `json:"student_id"`
	State             ProctorState              `json:"state"`
	TerminationReason *TerminationReason        `json:"termination_reason,omitempty"`
	RemainingSeconds  int                       `json:"remaining_seconds"`
	Timed             bool                      `json:"timed"`
	ViolationCounts   map[ViolationCategory]int `json:"violation_counts"`
	MaxWarnings       int                       `json:"max_warnings"`
	FullscreenEngaged bool                      `json:"fullscreen_engaged"`
	ExitPending       bool                      `json:"exit_pending"`
	ExitJustification string                    `json:"exit_justification,omitempty"`
	SubmissionStatus  SubmissionStatus          `json:"submission_status"`
}

// ConfirmExitRequest is the payload for leaving a secure test early.
type ConfirmExitRequest struct {
	Justification string `json:"justification" binding:"required,trimmed_min=10,max=2000"`
}

// AnswerRequest updates the answer payload handed over on termination.
type AnswerRequest struct {
	SubmissionText  string   `json:"submission_text" binding:"max=100000"`
	SubmissionFiles []string `json:"submission_files" binding:"omitempty,max=20,dive,url"`
}
