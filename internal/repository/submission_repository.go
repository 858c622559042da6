package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository reads persisted submissions. Writes go through the
// submission worker.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// ListByAssignment returns every submission for an assignment, newest first.
func (r *SubmissionRepository) ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]model.Submission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT assignment_id, session_id, student_id, submission_text, submission_files,
		        fullscreen_warnings, tab_switch_warnings, secure_mode_used, termination_reason, submitted_at
		 FROM assignment_submissions
		 WHERE assignment_id = $1
		 ORDER BY submitted_at DESC`,
		assignmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		var s model.Submission
		var files []byte
		if err := rows.Scan(
			&s.AssignmentID, &s.SessionID, &s.StudentID, &s.SubmissionText, &files,
			&s.FullscreenWarnings, &s.TabSwitchWarnings, &s.SecureModeUsed, &s.TerminationReason, &s.SubmittedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(files, &s.SubmissionFiles); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
