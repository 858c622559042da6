package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AuditRepository reads the proctoring audit trail. Writes go through the
// audit worker.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// ListByAssignment returns a page of audit entries, oldest first, with an
// optional student filter.
func (r *AuditRepository) ListByAssignment(ctx context.Context, assignmentID uuid.UUID, studentID *int, page, perPage int) ([]model.AuditEntry, int64, error) {
	offset := (page - 1) * perPage

	where := ` FROM proctoring_audit_logs WHERE assignment_id = $1`
	args := []any{assignmentID}
	if studentID != nil {
		args = append(args, *studentID)
		where += ` AND student_id = $2`
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, perPage, offset)
	limit := ` ORDER BY recorded_at ASC, id ASC LIMIT $2 OFFSET $3`
	if studentID != nil {
		limit = ` ORDER BY recorded_at ASC, id ASC LIMIT $3 OFFSET $4`
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, assignment_id, session_id, student_id, action, details, recorded_at`+where+limit,
		args...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]model.AuditEntry, 0, perPage)
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.AssignmentID, &e.SessionID, &e.StudentID, &e.Action, &e.Details, &e.RecordedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// CountViolations returns violation counts per student for an assignment.
func (r *AuditRepository) CountViolations(ctx context.Context, assignmentID uuid.UUID) (map[int]map[model.ViolationCategory]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, action, COUNT(*)
		 FROM proctoring_audit_logs
		 WHERE assignment_id = $1 AND action IN ('fullscreen_exit', 'tab_switch')
		 GROUP BY student_id, action`,
		assignmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]map[model.ViolationCategory]int64)
	for rows.Next() {
		var sid int
		var action model.AuditAction
		var count int64
		if err := rows.Scan(&sid, &action, &count); err != nil {
			return nil, err
		}
		if result[sid] == nil {
			result[sid] = make(map[model.ViolationCategory]int64)
		}
		switch action {
		case model.AuditFullscreenExit:
			result[sid][model.ViolationFullscreen] = count
		case model.AuditTabSwitch:
			result[sid][model.ViolationTabSwitch] = count
		}
	}
	return result, rows.Err()
}
