package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus tracks the hand-off of the final answers.
type SubmissionStatus string

const (
	SubmissionStatusNone      SubmissionStatus = "NONE"
	SubmissionStatusSubmitted SubmissionStatus = "SUBMITTED"
	SubmissionStatusFailed    SubmissionStatus = "FAILED"
)

// Answer is the opaque answer payload collected while the test runs.
type Answer struct {
	Text  string   `json:"submission_text"`
	Files []string `json:"submission_files"`
}

// Submission is handed to the submission collaborator on termination.
// Proctoring fields are only set when the assignment was proctored.
type Submission struct {
	AssignmentID       uuid.UUID          `json:"assignment_id"`
	SessionID          uuid.UUID          `json:"session_id"`
	StudentID          int                `json:"student_id"`
	SubmissionText     string             `json:"submission_text"`
	SubmissionFiles    []string           `json:"submission_files"`
	FullscreenWarnings *int               `json:"fullscreen_warnings,omitempty"`
	TabSwitchWarnings  *int               `json:"tab_switch_warnings,omitempty"`
	SecureModeUsed     *bool              `json:"secure_mode_used,omitempty"`
	TerminationReason  *TerminationReason `json:"termination_reason,omitempty"`
	SubmittedAt        time.Time          `json:"submitted_at"`
}
