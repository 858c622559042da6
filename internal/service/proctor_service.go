package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var (
	ErrAttemptActive   = errors.New("a secure attempt for this assignment is already running")
	ErrAttemptFinished = errors.New("the secure attempt for this assignment has already ended")
	ErrNoActiveAttempt = errors.New("no secure attempt is running on this server")
)

// releaseLockScript deletes the lock only while it still holds our token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type attemptKey struct {
	assignmentID uuid.UUID
	studentID    int
}

type attempt struct {
	session *proctor.Session
	token   string
	// released is set once the lock has been given back. A released
	// attempt still in the map is retained for a submission retry.
	released bool
	evict    *time.Timer
}

// ProctorService owns the live proctored sessions of this server. A student
// has at most one live attempt per assignment across all servers, enforced
// with a Redis lock. Terminated sessions whose submission failed outlive
// their connection for Proctor.RetryRetention so the answers can still be
// handed over.
type ProctorService struct {
	cfg         *config.Config
	rdb         *redis.Client
	assignments *AssignmentService
	audit       proctor.AuditLogger
	submitter   proctor.Submitter
	log         zerolog.Logger

	mu       sync.Mutex
	attempts map[attemptKey]*attempt
	watchers sync.WaitGroup
}

// NewProctorService creates a new ProctorService.
func NewProctorService(
	cfg *config.Config,
	rdb *redis.Client,
	assignments *AssignmentService,
	audit proctor.AuditLogger,
	submitter proctor.Submitter,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		cfg:         cfg,
		rdb:         rdb,
		assignments: assignments,
		audit:       audit,
		submitter:   submitter,
		log:         log.With().Str("component", "proctor_service").Logger(),
		attempts:    make(map[attemptKey]*attempt),
	}
}

// Open claims the student's attempt and builds an Idle session on host.
// The caller must Close the session when the connection ends.
func (s *ProctorService) Open(ctx context.Context, assignmentID uuid.UUID, studentID int, host proctor.Host, notifier proctor.Notifier) (*proctor.Session, error) {
	a, err := s.assignments.GetPolicy(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !a.RequiresProctoring {
		return nil, proctor.ErrProctoringNotRequired
	}

	done, err := s.rdb.Exists(ctx, config.CacheKey.ProctorDoneKey(assignmentID.String(), studentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check finished attempt: %w", err)
	}
	if done > 0 {
		return nil, ErrAttemptFinished
	}

	token := uuid.NewString()
	lockKey := config.CacheKey.ProctorLockKey(assignmentID.String(), studentID)
	ok, err := s.rdb.SetNX(ctx, lockKey, token, s.cfg.Proctor.ActiveTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim attempt: %w", err)
	}
	if !ok {
		return nil, ErrAttemptActive
	}

	pc := s.cfg.Proctor
	session := proctor.NewSession(proctor.Config{
		Assignment:       *a,
		StudentID:        studentID,
		Host:             host,
		Audit:            s.audit,
		Submitter:        s.submitter,
		Notifier:         notifier,
		Logger:           &s.log,
		MinViewportWidth: pc.MinViewportWidth,
		ReentryDelay:     pc.ReentryDelay,
		BlurCoalesce:     pc.BlurCoalesce,
		SubmitTimeout:    pc.SubmitTimeout,
		AuditBuffer:      pc.AuditBuffer,
	})

	s.mu.Lock()
	s.attempts[attemptKey{assignmentID, studentID}] = &attempt{session: session, token: token}
	s.mu.Unlock()

	s.watchers.Add(1)
	go s.watchTermination(session)

	s.log.Info().
		Str("assignment_id", assignmentID.String()).
		Int("student_id", studentID).
		Str("session_id", session.ID().String()).
		Msg("Secure attempt opened")

	return session, nil
}

// watchTermination marks the attempt finished once the session terminates.
// It returns without marking when the session is closed mid-test.
func (s *ProctorService) watchTermination(session *proctor.Session) {
	defer s.watchers.Done()

	select {
	case <-session.Terminated():
	case <-session.Done():
		if !session.Snapshot().State.IsTerminal() {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Proctor.SubmitTimeout)
	defer cancel()

	key := config.CacheKey.ProctorDoneKey(session.AssignmentID().String(), session.StudentID())
	if err := s.rdb.Set(ctx, key, session.ID().String(), 0).Err(); err != nil {
		s.log.Error().Err(err).
			Str("assignment_id", session.AssignmentID().String()).
			Int("student_id", session.StudentID()).
			Msg("Failed to mark attempt finished")
	}
}

// Get returns the live session of a student on this server.
func (s *ProctorService) Get(assignmentID uuid.UUID, studentID int) (*proctor.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptKey{assignmentID, studentID}]
	if !ok {
		return nil, ErrNoActiveAttempt
	}
	return a.session, nil
}

// Close tears the session down and releases the attempt lock. Terminated
// sessions stay finished; others may be opened again. A terminated session
// whose submission failed stays reachable through Get until a retry
// succeeds or the retention window passes.
func (s *ProctorService) Close(ctx context.Context, session *proctor.Session) {
	session.Close()

	key := attemptKey{session.AssignmentID(), session.StudentID()}
	s.mu.Lock()
	a, ok := s.attempts[key]
	if !ok || a.session != session || a.released {
		s.mu.Unlock()
		return
	}
	a.released = true
	retained := session.SubmissionStatus() == model.SubmissionStatusFailed && s.cfg.Proctor.RetryRetention > 0
	if retained {
		a.evict = time.AfterFunc(s.cfg.Proctor.RetryRetention, func() { s.forget(session) })
	} else {
		delete(s.attempts, key)
	}
	token := a.token
	s.mu.Unlock()

	if retained {
		s.log.Warn().
			Str("assignment_id", session.AssignmentID().String()).
			Int("student_id", session.StudentID()).
			Dur("retention", s.cfg.Proctor.RetryRetention).
			Msg("Submission pending, session retained for retry")
	}

	lockKey := config.CacheKey.ProctorLockKey(session.AssignmentID().String(), session.StudentID())
	if err := releaseLockScript.Run(ctx, s.rdb, []string{lockKey}, token).Err(); err != nil {
		s.log.Error().Err(err).Str("lock_key", lockKey).Msg("Failed to release attempt lock")
	}
}

// RetrySubmission re-sends the final submission of session. A retained
// session is dropped once the hand-off succeeds.
func (s *ProctorService) RetrySubmission(ctx context.Context, session *proctor.Session) error {
	if err := session.RetrySubmission(ctx); err != nil {
		return err
	}

	key := attemptKey{session.AssignmentID(), session.StudentID()}
	s.mu.Lock()
	if a, ok := s.attempts[key]; ok && a.session == session && a.released {
		s.dropLocked(key, a)
	}
	s.mu.Unlock()
	return nil
}

// forget drops a retained session when its retention window ends.
func (s *ProctorService) forget(session *proctor.Session) {
	key := attemptKey{session.AssignmentID(), session.StudentID()}
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.attempts[key]; ok && a.session == session {
		s.dropLocked(key, a)
		s.log.Warn().
			Str("assignment_id", session.AssignmentID().String()).
			Int("student_id", session.StudentID()).
			Str("session_id", session.ID().String()).
			Msg("Retention ended with submission still pending")
	}
}

// dropLocked must be called with s.mu held.
func (s *ProctorService) dropLocked(key attemptKey, a *attempt) {
	if a.evict != nil {
		a.evict.Stop()
	}
	delete(s.attempts, key)
}

// ListLive returns snapshots of every live session for an assignment on
// this server.
func (s *ProctorService) ListLive(assignmentID uuid.UUID) []model.ProctorSnapshot {
	s.mu.Lock()
	sessions := make([]*proctor.Session, 0, len(s.attempts))
	for k, a := range s.attempts {
		if k.assignmentID == assignmentID {
			sessions = append(sessions, a.session)
		}
	}
	s.mu.Unlock()

	out := make([]model.ProctorSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Shutdown closes every session, drops retained ones and waits for the
// termination watchers to finish.
func (s *ProctorService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*proctor.Session, 0, len(s.attempts))
	for _, a := range s.attempts {
		sessions = append(sessions, a.session)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.Close(ctx, sess)
	}

	s.mu.Lock()
	for key, a := range s.attempts {
		s.dropLocked(key, a)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("Timed out waiting for termination watchers")
	}

	s.log.Info().Int("count", len(sessions)).Msg("Live secure attempts closed")
}

// LiveCount returns the number of sessions held on this server, retained
// ones included.
func (s *ProctorService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}
