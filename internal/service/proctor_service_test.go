package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const testStudentID = 4242

// testRedis connects to REDIS_TEST_URL and skips the test when no server
// answers.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	opts.MaxRetries = -1

	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", url, err)
	}
	return rdb
}

// ─── Host and sinks ─────────────────────────────────────────────────

type stubStream struct{}

func (stubStream) Stop() {}

// stubHost supports everything and grants every request.
type stubHost struct {
	mu         sync.Mutex
	fullscreen bool
}

func (h *stubHost) Device() proctor.Device {
	return proctor.Device{ViewportWidth: 1920, ViewportHeight: 1080, UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"}
}

func (h *stubHost) Supports(proctor.Capability) bool { return true }

func (h *stubHost) Listen(proctor.SignalKind, func(proctor.Signal)) func() { return func() {} }

func (h *stubHost) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

func (h *stubHost) RequestFullscreen(context.Context) error {
	h.mu.Lock()
	h.fullscreen = true
	h.mu.Unlock()
	return nil
}

func (h *stubHost) ExitFullscreen(context.Context) error {
	h.mu.Lock()
	h.fullscreen = false
	h.mu.Unlock()
	return nil
}

func (h *stubHost) AcquireCamera(context.Context) (proctor.MediaStream, error) {
	return stubStream{}, nil
}

func (h *stubHost) AcquireScreen(context.Context) (proctor.MediaStream, error) {
	return stubStream{}, nil
}

type discardAudit struct{}

func (discardAudit) Log(context.Context, model.AuditEntry) error { return nil }

// flakySubmitter fails the first failures calls.
type flakySubmitter struct {
	mu       sync.Mutex
	failures int
	accepted int
}

func (f *flakySubmitter) Submit(context.Context, model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("submission queue unavailable")
	}
	f.accepted++
	return nil
}

func (f *flakySubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// ─── Fixture ────────────────────────────────────────────────────────

type proctorFixture struct {
	svc          *ProctorService
	rdb          *redis.Client
	submitter    *flakySubmitter
	assignmentID uuid.UUID
}

func newProctorFixture(t *testing.T, retention time.Duration, failures int) *proctorFixture {
	t.Helper()
	rdb := testRedis(t)
	ctx := context.Background()

	assignmentID := uuid.New()
	policy, err := json.Marshal(model.Assignment{ID: assignmentID, Title: "Secure essay", RequiresProctoring: true})
	require.NoError(t, err)

	keys := []string{
		config.CacheKey.AssignmentPolicyKey(assignmentID.String()),
		config.CacheKey.ProctorLockKey(assignmentID.String(), testStudentID),
		config.CacheKey.ProctorDoneKey(assignmentID.String(), testStudentID),
	}
	require.NoError(t, rdb.Set(ctx, keys[0], policy, time.Minute).Err())
	t.Cleanup(func() { rdb.Del(context.Background(), keys...) })

	cfg := &config.Config{Proctor: config.ProctorConfig{
		ActiveTTL:        time.Minute,
		SubmitTimeout:    time.Second,
		RetryRetention:   retention,
		MinViewportWidth: 1024,
	}}
	submitter := &flakySubmitter{failures: failures}
	svc := NewProctorService(cfg, rdb, NewAssignmentService(nil, rdb, 3, zerolog.Nop()), discardAudit{}, submitter, zerolog.Nop())
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	return &proctorFixture{svc: svc, rdb: rdb, submitter: submitter, assignmentID: assignmentID}
}

func (f *proctorFixture) open(t *testing.T) (*proctor.Session, error) {
	t.Helper()
	return f.svc.Open(context.Background(), f.assignmentID, testStudentID, &stubHost{}, proctor.NotifierFunc(func(proctor.Notice) {}))
}

func (f *proctorFixture) lockKey() string {
	return config.CacheKey.ProctorLockKey(f.assignmentID.String(), testStudentID)
}

func (f *proctorFixture) doneKey() string {
	return config.CacheKey.ProctorDoneKey(f.assignmentID.String(), testStudentID)
}

// finish runs a session through a manual exit.
func finish(t *testing.T, s *proctor.Session) {
	t.Helper()
	require.NoError(t, s.Begin(context.Background()))
	require.NoError(t, s.RequestExit())
	require.NoError(t, s.ConfirmExit("power cut in the building"))
}

func waitWatchers(t *testing.T, svc *ProctorService) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		svc.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("termination watcher still running")
	}
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestProctorOpenHoldsLock(t *testing.T) {
	f := newProctorFixture(t, 0, 0)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)

	ttl, err := f.rdb.TTL(ctx, f.lockKey()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = f.open(t)
	assert.ErrorIs(t, err, ErrAttemptActive)

	got, err := f.svc.Get(f.assignmentID, testStudentID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, f.svc.LiveCount())
}

func TestProctorCloseMidTestAllowsReopen(t *testing.T) {
	f := newProctorFixture(t, 0, 0)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx))

	f.svc.Close(ctx, s)
	waitWatchers(t, f.svc)

	n, err := f.rdb.Exists(ctx, f.lockKey(), f.doneKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.Get(f.assignmentID, testStudentID)
	assert.ErrorIs(t, err, ErrNoActiveAttempt)

	again, err := f.open(t)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), again.ID())
}

func TestProctorCloseLeavesForeignLock(t *testing.T) {
	f := newProctorFixture(t, 0, 0)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)

	// Our lock expired and another server claimed the attempt.
	require.NoError(t, f.rdb.Set(ctx, f.lockKey(), "other-server", time.Minute).Err())

	f.svc.Close(ctx, s)

	owner, err := f.rdb.Get(ctx, f.lockKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-server", owner)
}

func TestProctorTerminatedAttemptCannotReopen(t *testing.T) {
	f := newProctorFixture(t, 0, 0)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)
	finish(t, s)

	require.Eventually(t, func() bool {
		n, err := f.rdb.Exists(ctx, f.doneKey()).Result()
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	f.svc.Close(ctx, s)
	waitWatchers(t, f.svc)
	assert.Equal(t, 1, f.submitter.count())

	_, err = f.open(t)
	assert.ErrorIs(t, err, ErrAttemptFinished)
}

func TestProctorFailedSubmissionRetainedForRetry(t *testing.T) {
	f := newProctorFixture(t, time.Minute, 1)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)
	finish(t, s)
	require.Equal(t, model.SubmissionStatusFailed, s.SubmissionStatus())

	f.svc.Close(ctx, s)

	got, err := f.svc.Get(f.assignmentID, testStudentID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	n, err := f.rdb.Exists(ctx, f.lockKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "lock released while retained")

	require.NoError(t, f.svc.RetrySubmission(ctx, got))
	assert.Equal(t, model.SubmissionStatusSubmitted, s.SubmissionStatus())
	assert.Equal(t, 1, f.submitter.count())

	_, err = f.svc.Get(f.assignmentID, testStudentID)
	assert.ErrorIs(t, err, ErrNoActiveAttempt)
	assert.Zero(t, f.svc.LiveCount())
}

func TestProctorRetainedSessionEvicted(t *testing.T) {
	f := newProctorFixture(t, 50*time.Millisecond, 10)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)
	finish(t, s)
	f.svc.Close(ctx, s)

	_, err = f.svc.Get(f.assignmentID, testStudentID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := f.svc.Get(f.assignmentID, testStudentID)
		return errors.Is(err, ErrNoActiveAttempt)
	}, time.Second, 10*time.Millisecond)
}

func TestProctorFailedSubmissionWithoutRetention(t *testing.T) {
	f := newProctorFixture(t, 0, 1)
	ctx := context.Background()

	s, err := f.open(t)
	require.NoError(t, err)
	finish(t, s)
	f.svc.Close(ctx, s)

	_, err = f.svc.Get(f.assignmentID, testStudentID)
	assert.ErrorIs(t, err, ErrNoActiveAttempt)
}

func TestProctorOpenUnproctoredAssignment(t *testing.T) {
	f := newProctorFixture(t, 0, 0)
	ctx := context.Background()

	id := uuid.New()
	policy, err := json.Marshal(model.Assignment{ID: id, Title: "Open-book quiz"})
	require.NoError(t, err)
	key := config.CacheKey.AssignmentPolicyKey(id.String())
	require.NoError(t, f.rdb.Set(ctx, key, policy, time.Minute).Err())
	t.Cleanup(func() { f.rdb.Del(context.Background(), key) })

	_, err = f.svc.Open(ctx, id, testStudentID, &stubHost{}, nil)
	assert.ErrorIs(t, err, proctor.ErrProctoringNotRequired)
}
