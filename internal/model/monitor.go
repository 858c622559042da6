package model

// MonitorEventType tags a live-monitor message.
type MonitorEventType string

const (
	MonitorEventAudit      MonitorEventType = "audit"
	MonitorEventSubmission MonitorEventType = "submission"
	MonitorEventSnapshot   MonitorEventType = "snapshot"
	MonitorEventPing       MonitorEventType = "ping"
)

// MonitorEvent is published on an assignment's monitor channel and
// forwarded verbatim to admin SSE clients.
type MonitorEvent struct {
	Type MonitorEventType `json:"type"`
	Data interface{}      `json:"data,omitempty"`
}

// StudentProctorSummary is one row of the live monitor snapshot.
type StudentProctorSummary struct {
	StudentID         int                         `json:"student_id"`
	Live              *ProctorSnapshot            `json:"live,omitempty"`
	RecordedCounts    map[ViolationCategory]int64 `json:"recorded_counts"`
	Submitted         bool                        `json:"submitted"`
	TerminationReason *TerminationReason          `json:"termination_reason,omitempty"`
}
