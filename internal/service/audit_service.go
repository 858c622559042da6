package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/spool"
)

// AuditService is the proctoring audit sink. Entries are queued in Redis
// for the audit worker and published to the assignment's live monitor. When
// Redis refuses the entry it goes to the local spool instead.
type AuditService struct {
	rdb   *redis.Client
	spool *spool.Spool
	repo  *repository.AuditRepository
	log   zerolog.Logger
}

// NewAuditService creates a new AuditService. sp may be nil.
func NewAuditService(rdb *redis.Client, sp *spool.Spool, repo *repository.AuditRepository, log zerolog.Logger) *AuditService {
	return &AuditService{
		rdb:   rdb,
		spool: sp,
		repo:  repo,
		log:   log.With().Str("component", "audit_service").Logger(),
	}
}

// Log records one audit entry.
func (s *AuditService) Log(ctx context.Context, e model.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistProctorAuditQueue, payload).Err(); err != nil {
		if s.spool == nil {
			return fmt.Errorf("queue audit entry: %w", err)
		}
		if spoolErr := s.spool.Put(ctx, e); spoolErr != nil {
			return errors.Join(fmt.Errorf("queue audit entry: %w", err), spoolErr)
		}
		s.log.Warn().Err(err).
			Str("assignment_id", e.AssignmentID.String()).
			Int("student_id", e.StudentID).
			Str("action", string(e.Action)).
			Msg("Redis unavailable, audit entry spooled")
	}

	publish(ctx, s.rdb, s.log, e.AssignmentID, model.MonitorEvent{Type: model.MonitorEventAudit, Data: e})
	return nil
}

// ListByAssignment returns a page of the persisted audit trail.
func (s *AuditService) ListByAssignment(ctx context.Context, assignmentID uuid.UUID, studentID *int, page, perPage int) ([]model.AuditEntry, *response.Pagination, error) {
	entries, total, err := s.repo.ListByAssignment(ctx, assignmentID, studentID, page, perPage)
	if err != nil {
		return nil, nil, err
	}

	return entries, response.NewPagination(page, perPage, total), nil
}

// publish forwards a live-monitor event. Monitor delivery is best-effort.
func publish(ctx context.Context, rdb *redis.Client, log zerolog.Logger, assignmentID uuid.UUID, ev model.MonitorEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := config.CacheKey.ProctorMonitorChannel(assignmentID.String())
	if err := rdb.Publish(ctx, channel, data).Err(); err != nil {
		log.Debug().Err(err).Str("channel", channel).Msg("Monitor publish failed")
	}
}
