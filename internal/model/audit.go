package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction names a proctoring transition recorded for compliance review.
type AuditAction string

const (
	AuditStartTestPrep  AuditAction = "start_test_prep"
	AuditFullscreenExit AuditAction = "fullscreen_exit"
	AuditTabSwitch      AuditAction = "tab_switch"
	AuditTimeUp         AuditAction = "time_up"
	AuditManualExit     AuditAction = "manual_exit"
	AuditEndTest        AuditAction = "end_test"
)

// AuditEntry is one append-only record of a proctoring transition.
type AuditEntry struct {
	ID           int64       `json:"id,omitempty"`
	AssignmentID uuid.UUID   `json:"assignment_id"`
	SessionID    uuid.UUID   `json:"session_id"`
	StudentID    int         `json:"student_id"`
	Action       AuditAction `json:"action"`
	Details      string      `json:"details"`
	RecordedAt   time.Time   `json:"recorded_at"`
}
