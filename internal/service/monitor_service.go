package service

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// MonitorService builds the live proctoring overview of an assignment.
type MonitorService struct {
	auditRepo      *repository.AuditRepository
	submissionRepo *repository.SubmissionRepository
	proctors       *ProctorService
	log            zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(
	auditRepo *repository.AuditRepository,
	submissionRepo *repository.SubmissionRepository,
	proctors *ProctorService,
	log zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		auditRepo:      auditRepo,
		submissionRepo: submissionRepo,
		proctors:       proctors,
		log:            log.With().Str("component", "monitor_service").Logger(),
	}
}

// Snapshot merges recorded violation counts, persisted submissions and the
// live sessions on this server into one row per student.
// It fires the two database reads in parallel.
func (s *MonitorService) Snapshot(ctx context.Context, assignmentID uuid.UUID) ([]model.StudentProctorSummary, error) {
	var (
		counts      map[int]map[model.ViolationCategory]int64
		submissions []model.Submission
		countsErr   error
		subsErr     error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		counts, countsErr = s.auditRepo.CountViolations(ctx, assignmentID)
	}()
	go func() {
		defer wg.Done()
		submissions, subsErr = s.submissionRepo.ListByAssignment(ctx, assignmentID)
	}()
	wg.Wait()

	// Submissions are critical; violation counts are best-effort
	if subsErr != nil {
		return nil, subsErr
	}
	if countsErr != nil {
		s.log.Warn().Err(countsErr).Str("assignment_id", assignmentID.String()).Msg("Violation counts unavailable")
		counts = nil
	}

	rows := make(map[int]*model.StudentProctorSummary)
	row := func(studentID int) *model.StudentProctorSummary {
		r, ok := rows[studentID]
		if !ok {
			r = &model.StudentProctorSummary{
				StudentID:      studentID,
				RecordedCounts: make(map[model.ViolationCategory]int64),
			}
			rows[studentID] = r
		}
		return r
	}

	for studentID, byCategory := range counts {
		r := row(studentID)
		for cat, n := range byCategory {
			r.RecordedCounts[cat] = n
		}
	}
	for _, sub := range submissions {
		r := row(sub.StudentID)
		r.Submitted = true
		r.TerminationReason = sub.TerminationReason
	}
	for _, snap := range s.proctors.ListLive(assignmentID) {
		snap := snap
		row(snap.StudentID).Live = &snap
	}

	out := make([]model.StudentProctorSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}
