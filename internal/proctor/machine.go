// Package proctor implements the secure-test proctoring state machine and
// the leaf components that feed it: the environment monitor, the violation
// tracker and the countdown timer.
//
// Machine is a reducer: every method takes the lock, applies the input to
// the session state in full, and returns the side effects for the caller to
// run afterwards. Nothing executed as an effect can observe a half-updated
// session.
package proctor

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MinJustificationLength is the minimum trimmed length of a manual-exit
// justification.
const MinJustificationLength = 10

// Effect is a side effect requested by a transition.
type Effect interface {
	effect()
}

// LogAudit records the transition with the audit sink.
type LogAudit struct {
	Action  model.AuditAction
	Details string
}

// ShowNotice tells the test-taker what happened.
type ShowNotice struct {
	Notice Notice
}

// ReenterFullscreen asks the host to go back to fullscreen, after the
// re-entry delay when Delayed is set.
type ReenterFullscreen struct {
	Delayed bool
}

// Terminate runs the termination sequence.
type Terminate struct {
	Reason model.TerminationReason
}

func (LogAudit) effect()          {}
func (ShowNotice) effect()        {}
func (ReenterFullscreen) effect() {}
func (Terminate) effect()         {}

// Machine owns the mutable state of one proctored session.
type Machine struct {
	mu sync.Mutex

	assignmentID  uuid.UUID
	state         model.ProctorState
	reason        *model.TerminationReason
	remaining     int
	timed         bool
	engaged       bool
	exitPending   bool
	justification string
	tracker       *Tracker
}

// NewMachine returns an Idle machine for the assignment.
func NewMachine(assignmentID uuid.UUID, maxWarnings int) *Machine {
	return &Machine{
		assignmentID: assignmentID,
		state:        model.ProctorStateIdle,
		tracker:      NewTracker(maxWarnings),
	}
}

// MachineState is a copy of the machine's fields.
type MachineState struct {
	AssignmentID      uuid.UUID
	State             model.ProctorState
	Reason            *model.TerminationReason
	RemainingSeconds  int
	Timed             bool
	Counts            map[model.ViolationCategory]int
	MaxWarnings       int
	FullscreenEngaged bool
	ExitPending       bool
	ExitJustification string
}

// State returns the current state.
func (m *Machine) State() model.ProctorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot copies the machine's fields.
func (m *Machine) Snapshot() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reason *model.TerminationReason
	if m.reason != nil {
		r := *m.reason
		reason = &r
	}
	return MachineState{
		AssignmentID:      m.assignmentID,
		State:             m.state,
		Reason:            reason,
		RemainingSeconds:  m.remaining,
		Timed:             m.timed,
		Counts:            m.tracker.Counts(),
		MaxWarnings:       m.tracker.Max(),
		FullscreenEngaged: m.engaged,
		ExitPending:       m.exitPending,
		ExitJustification: m.justification,
	}
}

// Begin moves Idle to Active. Resource acquisition happens before this call;
// the machine only records the outcome.
func (m *Machine) Begin(remainingSeconds int, fullscreen bool) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != model.ProctorStateIdle {
		return nil, ErrAlreadyStarted
	}

	m.tracker.Reset()
	m.state = model.ProctorStateActive
	m.timed = remainingSeconds > 0
	if m.timed {
		m.remaining = remainingSeconds
	}
	m.engaged = fullscreen

	limit := "untimed"
	if m.timed {
		limit = fmt.Sprintf("time limit %ds", remainingSeconds)
	}
	return []Effect{
		LogAudit{
			Action:  model.AuditStartTestPrep,
			Details: fmt.Sprintf("secure test started, max warnings %d, %s", m.tracker.Max(), limit),
		},
		m.notice(NoticeStarted, msgStarted),
	}, nil
}

// HandleEvent applies a monitor event. Events outside Active/Warning are
// ignored.
func (m *Machine) HandleEvent(ev Event) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsMonitored() {
		return nil
	}

	switch ev.Kind {
	case EventFullscreenEntered:
		m.engaged = true
		if m.state == model.ProctorStateWarning {
			m.state = model.ProctorStateActive
			return []Effect{m.notice(NoticeRestored, msgRestored)}
		}
		return nil

	case EventFullscreenExited:
		m.engaged = false
		rec := m.tracker.RecordViolation(model.ViolationFullscreen)
		if rec.Exceeded {
			return m.terminate(model.TerminationAutoSubmitted,
				LogAudit{
					Action:  model.AuditFullscreenExit,
					Details: fmt.Sprintf("fullscreen exit %d/%d, final warning, auto-submitting", rec.Count, m.tracker.Max()),
				},
				msgFullscreenFinal,
			)
		}
		m.state = model.ProctorStateWarning
		effects := []Effect{
			LogAudit{
				Action:  model.AuditFullscreenExit,
				Details: fmt.Sprintf("fullscreen exit %d/%d", rec.Count, m.tracker.Max()),
			},
			m.warning(model.ViolationFullscreen, rec, fmt.Sprintf(msgFullscreenWarning, rec.Count, m.tracker.Max())),
		}
		if !m.exitPending {
			effects = append(effects, ReenterFullscreen{Delayed: true})
		}
		return effects

	case EventTabHidden, EventWindowBlurred:
		rec := m.tracker.RecordViolation(model.ViolationTabSwitch)
		if rec.Exceeded {
			return m.terminate(model.TerminationAutoSubmitted,
				LogAudit{
					Action:  model.AuditTabSwitch,
					Details: fmt.Sprintf("tab switch %d/%d (%s), final warning, auto-submitting", rec.Count, m.tracker.Max(), ev.Kind),
				},
				msgTabFinal,
			)
		}
		return []Effect{
			LogAudit{
				Action:  model.AuditTabSwitch,
				Details: fmt.Sprintf("tab switch %d/%d (%s)", rec.Count, m.tracker.Max(), ev.Kind),
			},
			m.warning(model.ViolationTabSwitch, rec, fmt.Sprintf(msgTabWarning, rec.Count, m.tracker.Max())),
		}

	case EventCopyAttempted:
		return []Effect{m.notice(NoticeBlocked, msgCopyBlocked)}
	case EventPasteAttempted:
		return []Effect{m.notice(NoticeBlocked, msgPasteBlocked)}
	case EventRestrictedKeyPressed:
		return []Effect{m.notice(NoticeBlocked, fmt.Sprintf(msgKeyBlocked, ev.Key))}
	}
	return nil
}

// Tick records the remaining seconds reported by the timer.
func (m *Machine) Tick(remaining int) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsMonitored() || !m.timed {
		return nil
	}
	if remaining < m.remaining {
		m.remaining = remaining
	}

	effects := []Effect{m.notice(NoticeTick, "")}
	if m.remaining == 300 || m.remaining == 60 {
		effects = append(effects, m.notice(NoticeTimeLow, fmt.Sprintf(msgTimeLow, m.remaining/60)))
	}
	return effects
}

// Expire ends the session because the countdown reached zero.
func (m *Machine) Expire() []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsMonitored() {
		return nil
	}
	m.remaining = 0
	return m.terminate(model.TerminationTimeExpired,
		LogAudit{Action: model.AuditTimeUp, Details: "time limit reached"},
		msgTimeUp,
	)
}

// RequestExit opens the exit confirmation. The state does not change.
func (m *Machine) RequestExit() ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireMonitored(); err != nil {
		return nil, err
	}
	m.exitPending = true
	return []Effect{m.notice(NoticeExitPrompt, fmt.Sprintf(msgExitPrompt, MinJustificationLength))}, nil
}

// ConfirmExit ends the session with a manual exit. Justifications shorter
// than MinJustificationLength after trimming are rejected without any
// effect.
func (m *Machine) ConfirmExit(justification string) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireMonitored(); err != nil {
		return nil, err
	}
	if !m.exitPending {
		return nil, ErrNoExitPending
	}
	if utf8.RuneCountInString(strings.TrimSpace(justification)) < MinJustificationLength {
		return nil, ErrJustificationTooShort
	}

	m.justification = justification
	return m.terminate(model.TerminationManualExit,
		LogAudit{Action: model.AuditManualExit, Details: justification},
		msgManualExit,
	), nil
}

// CancelExit closes the exit confirmation and returns to the prior state.
func (m *Machine) CancelExit(fullscreen bool) ([]Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireMonitored(); err != nil {
		return nil, err
	}
	if !m.exitPending {
		return nil, ErrNoExitPending
	}
	m.exitPending = false

	effects := []Effect{m.notice(NoticeExitCancelled, msgExitCancelled)}
	if !fullscreen {
		effects = append(effects, ReenterFullscreen{Delayed: false})
	}
	return effects, nil
}

func (m *Machine) requireMonitored() error {
	switch {
	case m.state == model.ProctorStateIdle:
		return ErrNotStarted
	case m.state.IsTerminal():
		return ErrTerminated
	}
	return nil
}

// terminate must be called with the lock held and a non-terminal state.
func (m *Machine) terminate(reason model.TerminationReason, entry LogAudit, message string) []Effect {
	m.state = model.ProctorStateTerminated
	m.reason = &reason
	m.exitPending = false

	n := m.notice(NoticeTerminated, message)
	n.Notice.Reason = reason
	return []Effect{entry, n, Terminate{Reason: reason}}
}

func (m *Machine) warning(c model.ViolationCategory, rec Record, message string) ShowNotice {
	n := m.notice(NoticeWarning, message)
	n.Notice.Category = c
	n.Notice.Count = rec.Count
	n.Notice.Max = m.tracker.Max()
	return n
}

func (m *Machine) notice(kind NoticeKind, message string) ShowNotice {
	return ShowNotice{Notice: Notice{
		Kind:             kind,
		Message:          message,
		State:            m.state,
		RemainingSeconds: m.remaining,
		Counts:           m.tracker.Counts(),
	}}
}
