package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AssignmentRepository handles assignment data access.
type AssignmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(pool *pgxpool.Pool) *AssignmentRepository {
	return &AssignmentRepository{pool: pool}
}

// GetByID retrieves an assignment's proctoring metadata.
func (r *AssignmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	a := &model.Assignment{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, requires_proctoring, max_warnings, time_limit_minutes, created_at, updated_at
		 FROM assignments
		 WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.RequiresProctoring, &a.MaxWarnings, &a.TimeLimitMinutes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}
