package proctor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	DefaultMinViewportWidth = 1024
	DefaultReentryDelay     = 1500 * time.Millisecond
	DefaultBlurCoalesce     = 500 * time.Millisecond
	DefaultSubmitTimeout    = 10 * time.Second
	DefaultAuditBuffer      = 64
	DefaultEventBuffer      = 128
	DefaultTickInterval     = time.Second
)

// Config wires a Session to its collaborators.
type Config struct {
	Assignment model.Assignment
	StudentID  int
	SessionID  uuid.UUID

	Host      Host
	Audit     AuditLogger
	Submitter Submitter
	Notifier  Notifier
	Logger    *zerolog.Logger
	Clock     Clock

	MinViewportWidth int
	ReentryDelay     time.Duration
	BlurCoalesce     time.Duration
	SubmitTimeout    time.Duration
	AuditBuffer      int
	EventBuffer      int
	TickInterval     time.Duration
}

func (c *Config) setDefaults() {
	if c.SessionID == uuid.Nil {
		c.SessionID = uuid.New()
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.MinViewportWidth <= 0 {
		c.MinViewportWidth = DefaultMinViewportWidth
	}
	if c.ReentryDelay <= 0 {
		c.ReentryDelay = DefaultReentryDelay
	}
	if c.BlurCoalesce < 0 {
		c.BlurCoalesce = 0
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.AuditBuffer <= 0 {
		c.AuditBuffer = DefaultAuditBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
}

// Session drives one proctored attempt: it feeds monitor events and timer
// ticks into the Machine and runs the effects the Machine returns.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	machine *Machine
	timer   *Timer
	monitor *Monitor
	audit   *auditDispatcher
	events  chan Event

	beginMu sync.Mutex

	mu         sync.Mutex
	sub        *Subscription
	media      []MediaStream
	reentries  []Stopper
	answer     model.Answer
	submission *model.Submission
	status     model.SubmissionStatus

	releaseOnce   sync.Once
	terminateOnce sync.Once
	closeOnce     sync.Once
	terminated    chan struct{}
	closed        chan struct{}
}

// NewSession builds an Idle session. Nothing is acquired until Begin.
func NewSession(cfg Config) *Session {
	cfg.setDefaults()

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().
		Str("component", "proctor_session").
		Str("session_id", cfg.SessionID.String()).
		Str("assignment_id", cfg.Assignment.ID.String()).
		Int("student_id", cfg.StudentID).
		Logger()

	s := &Session{
		cfg:        cfg,
		log:        log,
		machine:    NewMachine(cfg.Assignment.ID, cfg.Assignment.EffectiveMaxWarnings()),
		timer:      NewTimer(),
		events:     make(chan Event, cfg.EventBuffer),
		status:     model.SubmissionStatusNone,
		terminated: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.audit = newAuditDispatcher(cfg.Audit, cfg.AuditBuffer, cfg.SubmitTimeout, log)
	s.monitor = NewMonitor(cfg.Host, s.deliver, MonitorConfig{
		BlurCoalesce: cfg.BlurCoalesce,
		Clock:        cfg.Clock,
	})
	s.timer.OnTick(func(remaining int) {
		s.execute(s.machine.Tick(remaining))
	})
	s.timer.OnExpire(func() {
		s.execute(s.machine.Expire())
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.cfg.SessionID }

// AssignmentID returns the assignment being taken.
func (s *Session) AssignmentID() uuid.UUID { return s.cfg.Assignment.ID }

// StudentID returns the test-taker.
func (s *Session) StudentID() int { return s.cfg.StudentID }

// Terminated is closed once the termination sequence has run.
func (s *Session) Terminated() <-chan struct{} { return s.terminated }

// Done is closed once Close has been called.
func (s *Session) Done() <-chan struct{} { return s.closed }

// SubmissionStatus reports how the final hand-off went.
func (s *Session) SubmissionStatus() model.SubmissionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Begin checks the device, acquires fullscreen and both media streams, then
// starts the timer and the monitor. On any failure nothing stays acquired
// and the session remains Idle.
func (s *Session) Begin(ctx context.Context) error {
	s.beginMu.Lock()
	defer s.beginMu.Unlock()

	if s.machine.State() != model.ProctorStateIdle {
		return ErrAlreadyStarted
	}
	if !s.cfg.Assignment.RequiresProctoring {
		return ErrProctoringNotRequired
	}

	host := s.cfg.Host
	if host.Device().IsSmallOrMobile(s.cfg.MinViewportWidth) {
		return ErrUnsupportedDevice
	}
	if !host.Supports(CapFullscreen) || !host.Supports(CapMedia) {
		return ErrUnsupportedEnvironment
	}

	if err := host.RequestFullscreen(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFullscreenDenied, err)
	}

	camera, err := host.AcquireCamera(ctx)
	if err != nil {
		s.abortBegin(ctx)
		return fmt.Errorf("%w: camera: %w", ErrMediaDenied, err)
	}
	screen, err := host.AcquireScreen(ctx)
	if err != nil {
		camera.Stop()
		s.abortBegin(ctx)
		return fmt.Errorf("%w: screen: %w", ErrMediaDenied, err)
	}

	effects, err := s.machine.Begin(s.cfg.Assignment.TimeLimitSeconds(), host.IsFullscreen())
	if err != nil {
		camera.Stop()
		screen.Stop()
		s.abortBegin(ctx)
		return err
	}

	s.mu.Lock()
	s.media = []MediaStream{camera, screen}
	s.mu.Unlock()

	s.timer.Start(s.cfg.Assignment.TimeLimitSeconds())
	sub := s.monitor.Subscribe(true)

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.log.Info().
		Int("max_warnings", s.cfg.Assignment.EffectiveMaxWarnings()).
		Int("time_limit_seconds", s.cfg.Assignment.TimeLimitSeconds()).
		Msg("Secure test started")

	s.execute(effects)
	return nil
}

func (s *Session) abortBegin(ctx context.Context) {
	if !s.cfg.Host.IsFullscreen() {
		return
	}
	if err := s.cfg.Host.ExitFullscreen(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to leave fullscreen after aborted start")
	}
}

// Run is the session's event loop. It paces the timer and applies queued
// monitor events, always advancing the timer first within a turn. It
// returns when ctx is done, the session terminates or Close is called.
func (s *Session) Run(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.terminated:
			return
		case <-s.closed:
			return
		case <-ticker.C():
			s.ProcessTurn(1, s.drain())
		case ev := <-s.events:
			ticks := 0
			select {
			case <-ticker.C():
				ticks = 1
			default:
			}
			s.ProcessTurn(ticks, append([]Event{ev}, s.drain()...))
		}
	}
}

// ProcessTurn applies one turn of the event loop: elapsed seconds first,
// then events in arrival order. Expiry therefore wins over a violation
// arriving in the same turn.
func (s *Session) ProcessTurn(ticks int, events []Event) {
	for i := 0; i < ticks; i++ {
		s.timer.Advance()
	}
	for _, ev := range events {
		s.execute(s.machine.HandleEvent(ev))
	}
}

// deliver is the monitor sink. It runs on the host's delivery path, so it
// only queues. Events that do not fit are dropped: applying them outside
// Run would break timer-first ordering.
func (s *Session) deliver(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Error().Str("event", string(ev.Kind)).Msg("Event queue full, dropping event")
	}
}

func (s *Session) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// RequestExit opens the manual-exit confirmation.
func (s *Session) RequestExit() error {
	effects, err := s.machine.RequestExit()
	if err != nil {
		return err
	}
	s.execute(effects)
	return nil
}

// ConfirmExit ends the test with the given justification.
func (s *Session) ConfirmExit(justification string) error {
	effects, err := s.machine.ConfirmExit(justification)
	if err != nil {
		return err
	}
	s.execute(effects)
	return nil
}

// CancelExit dismisses the confirmation and re-enters fullscreen if needed.
func (s *Session) CancelExit() error {
	effects, err := s.machine.CancelExit(s.cfg.Host.IsFullscreen())
	if err != nil {
		return err
	}
	s.execute(effects)
	return nil
}

// UpdateAnswer replaces the answer payload handed over on termination.
// Updates after termination are ignored.
func (s *Session) UpdateAnswer(a model.Answer) {
	if s.machine.State().IsTerminal() {
		return
	}
	s.mu.Lock()
	s.answer = a
	s.mu.Unlock()
}

// RetrySubmission re-sends the final submission after a failed hand-off.
// The session stays Terminated whatever the outcome.
func (s *Session) RetrySubmission(ctx context.Context) error {
	s.mu.Lock()
	sub := s.submission
	status := s.status
	s.mu.Unlock()

	if sub == nil {
		return ErrNotTerminated
	}
	if status == model.SubmissionStatusSubmitted {
		return nil
	}
	return s.send(ctx, *sub)
}

// Snapshot returns the externally visible session state.
func (s *Session) Snapshot() model.ProctorSnapshot {
	ms := s.machine.Snapshot()

	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	return model.ProctorSnapshot{
		SessionID:         s.cfg.SessionID,
		AssignmentID:      ms.AssignmentID,
		StudentID:         s.cfg.StudentID,
		State:             ms.State,
		TerminationReason: ms.Reason,
		RemainingSeconds:  ms.RemainingSeconds,
		Timed:             ms.Timed,
		ViolationCounts:   ms.Counts,
		MaxWarnings:       ms.MaxWarnings,
		FullscreenEngaged: ms.FullscreenEngaged,
		ExitPending:       ms.ExitPending,
		ExitJustification: ms.ExitJustification,
		SubmissionStatus:  status,
	}
}

// Close releases everything the session holds without submitting. It is
// the teardown for a test-taker who goes away mid-test. Safe to call more
// than once and after termination. When another goroutine is in the middle
// of terminating, Close waits for it so the end_test entry is not lost.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.release()
		if s.machine.State().IsTerminal() {
			wait := time.NewTimer(2 * s.cfg.SubmitTimeout)
			select {
			case <-s.terminated:
			case <-wait.C:
				s.log.Warn().Msg("Termination still running at close")
			}
			wait.Stop()
		}
		s.audit.close()
	})
}

func (s *Session) execute(effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case LogAudit:
			s.log.Info().
				Str("action", string(e.Action)).
				Str("details", e.Details).
				Msg("Proctoring transition")
			s.audit.enqueue(s.entry(e.Action, e.Details))
		case ShowNotice:
			if s.cfg.Notifier != nil {
				s.cfg.Notifier.Notify(e.Notice)
			}
		case ReenterFullscreen:
			delay := time.Duration(0)
			if e.Delayed {
				delay = s.cfg.ReentryDelay
			}
			s.scheduleReentry(delay, 1)
		case Terminate:
			s.terminate(e.Reason)
		}
	}
}

func (s *Session) entry(action model.AuditAction, details string) model.AuditEntry {
	return model.AuditEntry{
		AssignmentID: s.cfg.Assignment.ID,
		SessionID:    s.cfg.SessionID,
		StudentID:    s.cfg.StudentID,
		Action:       action,
		Details:      details,
		RecordedAt:   s.cfg.Clock.Now().UTC(),
	}
}

// scheduleReentry tries to re-enter fullscreen after delay and retries once
// more on failure. A failed re-entry never counts as a violation.
func (s *Session) scheduleReentry(delay time.Duration, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.terminated:
		return
	case <-s.closed:
		return
	default:
	}

	t := s.cfg.Clock.AfterFunc(delay, func() {
		s.attemptReentry(retries)
	})
	s.reentries = append(s.reentries, t)
}

func (s *Session) attemptReentry(retries int) {
	if !s.machine.State().IsMonitored() || s.cfg.Host.IsFullscreen() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
	defer cancel()

	if err := s.cfg.Host.RequestFullscreen(ctx); err != nil {
		s.log.Warn().Err(err).Int("retries_left", retries).Msg("Fullscreen re-entry failed")
		if retries > 0 {
			s.scheduleReentry(s.cfg.ReentryDelay, retries-1)
		}
	}
}

// release gives back every acquired resource exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.timer.Cancel()

		s.mu.Lock()
		sub := s.sub
		s.sub = nil
		media := s.media
		s.media = nil
		reentries := s.reentries
		s.reentries = nil
		s.mu.Unlock()

		s.monitor.Unsubscribe(sub)
		for _, r := range reentries {
			r.Stop()
		}
		for _, m := range media {
			m.Stop()
		}

		if s.cfg.Host.IsFullscreen() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
			if err := s.cfg.Host.ExitFullscreen(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to leave fullscreen")
			}
			cancel()
		}
	})
}

// terminate runs the termination sequence once per session.
func (s *Session) terminate(reason model.TerminationReason) {
	s.terminateOnce.Do(func() {
		ms := s.machine.Snapshot()
		s.audit.enqueue(s.entry(model.AuditEndTest, fmt.Sprintf(
			"reason=%s fullscreen_warnings=%d tab_switch_warnings=%d",
			reason, ms.Counts[model.ViolationFullscreen], ms.Counts[model.ViolationTabSwitch],
		)))

		s.release()

		sub := s.buildSubmission(ms, reason)
		s.mu.Lock()
		s.submission = &sub
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
		_ = s.send(ctx, sub)
		cancel()

		s.log.Info().Str("reason", string(reason)).Msg("Secure test terminated")
		close(s.terminated)
	})
}

func (s *Session) buildSubmission(ms MachineState, reason model.TerminationReason) model.Submission {
	s.mu.Lock()
	answer := s.answer
	s.mu.Unlock()

	files := answer.Files
	if files == nil {
		files = []string{}
	}
	fullscreen := ms.Counts[model.ViolationFullscreen]
	tabs := ms.Counts[model.ViolationTabSwitch]
	secure := true

	return model.Submission{
		AssignmentID:       s.cfg.Assignment.ID,
		SessionID:          s.cfg.SessionID,
		StudentID:          s.cfg.StudentID,
		SubmissionText:     answer.Text,
		SubmissionFiles:    files,
		FullscreenWarnings: &fullscreen,
		TabSwitchWarnings:  &tabs,
		SecureModeUsed:     &secure,
		TerminationReason:  &reason,
		SubmittedAt:        s.cfg.Clock.Now().UTC(),
	}
}

func (s *Session) send(ctx context.Context, sub model.Submission) error {
	if s.cfg.Submitter == nil {
		return nil
	}

	err := s.cfg.Submitter.Submit(ctx, sub)

	s.mu.Lock()
	if err != nil {
		s.status = model.SubmissionStatusFailed
	} else {
		s.status = model.SubmissionStatusSubmitted
	}
	s.mu.Unlock()

	ms := s.machine.Snapshot()
	n := Notice{
		Kind:             NoticeSubmitted,
		Message:          msgSubmitted,
		State:            ms.State,
		RemainingSeconds: ms.RemainingSeconds,
		Counts:           ms.Counts,
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Submission hand-off failed")
		n.Kind = NoticeSubmitFailed
		n.Message = msgSubmitFailed
	}
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(n)
	}
	return err
}
