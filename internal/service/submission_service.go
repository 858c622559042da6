package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// SubmissionService accepts final answers and queues them for the
// submission worker.
type SubmissionService struct {
	rdb  *redis.Client
	repo *repository.SubmissionRepository
	log  zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(rdb *redis.Client, repo *repository.SubmissionRepository, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		rdb:  rdb,
		repo: repo,
		log:  log.With().Str("component", "submission_service").Logger(),
	}
}

// Submit queues a submission. An error means the hand-off did not happen
// and the caller should offer a retry.
func (s *SubmissionService) Submit(ctx context.Context, sub model.Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue submission: %w", err)
	}

	s.log.Info().
		Str("assignment_id", sub.AssignmentID.String()).
		Int("student_id", sub.StudentID).
		Msg("Submission queued")

	publish(ctx, s.rdb, s.log, sub.AssignmentID, model.MonitorEvent{
		Type: model.MonitorEventSubmission,
		Data: map[string]interface{}{
			"student_id":         sub.StudentID,
			"session_id":         sub.SessionID,
			"termination_reason": sub.TerminationReason,
			"submitted_at":       sub.SubmittedAt,
		},
	})
	return nil
}

// ListByAssignment returns the persisted submissions for an assignment.
func (s *SubmissionService) ListByAssignment(ctx context.Context, assignmentID uuid.UUID) ([]model.Submission, error) {
	return s.repo.ListByAssignment(ctx, assignmentID)
}
