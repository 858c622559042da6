package proctor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func startedMachine(t *testing.T, max, remaining int) *Machine {
	t.Helper()
	m := NewMachine(uuid.New(), max)
	_, err := m.Begin(remaining, true)
	require.NoError(t, err)
	return m
}

func effectsOf[T Effect](effects []Effect) []T {
	var out []T
	for _, e := range effects {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestMachineBegin(t *testing.T) {
	m := NewMachine(uuid.New(), 3)

	effects, err := m.Begin(600, true)
	require.NoError(t, err)

	st := m.Snapshot()
	assert.Equal(t, model.ProctorStateActive, st.State)
	assert.Equal(t, 600, st.RemainingSeconds)
	assert.True(t, st.Timed)
	assert.True(t, st.FullscreenEngaged)

	audits := effectsOf[LogAudit](effects)
	require.Len(t, audits, 1)
	assert.Equal(t, model.AuditStartTestPrep, audits[0].Action)

	_, err = m.Begin(600, true)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestMachineFullscreenExitWarnsThenTerminates(t *testing.T) {
	m := startedMachine(t, 3, 0)

	for i := 1; i <= 2; i++ {
		effects := m.HandleEvent(Event{Kind: EventFullscreenExited})
		assert.Equal(t, model.ProctorStateWarning, m.State())
		require.Len(t, effectsOf[ReenterFullscreen](effects), 1)
		assert.True(t, effectsOf[ReenterFullscreen](effects)[0].Delayed)

		notices := effectsOf[ShowNotice](effects)
		require.Len(t, notices, 1)
		assert.Equal(t, NoticeWarning, notices[0].Notice.Kind)
		assert.Equal(t, i, notices[0].Notice.Count)
		assert.Equal(t, 3, notices[0].Notice.Max)

		m.HandleEvent(Event{Kind: EventFullscreenEntered})
		assert.Equal(t, model.ProctorStateActive, m.State())
	}

	effects := m.HandleEvent(Event{Kind: EventFullscreenExited})
	term := effectsOf[Terminate](effects)
	require.Len(t, term, 1)
	assert.Equal(t, model.TerminationAutoSubmitted, term[0].Reason)
	assert.Equal(t, model.ProctorStateTerminated, m.State())
	assert.Empty(t, effectsOf[ReenterFullscreen](effects))

	st := m.Snapshot()
	require.NotNil(t, st.Reason)
	assert.Equal(t, model.TerminationAutoSubmitted, *st.Reason)
	assert.Equal(t, 3, st.Counts[model.ViolationFullscreen])
}

func TestMachineTabSwitchKeepsState(t *testing.T) {
	m := startedMachine(t, 3, 0)

	effects := m.HandleEvent(Event{Kind: EventTabHidden})
	assert.Equal(t, model.ProctorStateActive, m.State())
	audits := effectsOf[LogAudit](effects)
	require.Len(t, audits, 1)
	assert.Equal(t, model.AuditTabSwitch, audits[0].Action)

	m.HandleEvent(Event{Kind: EventWindowBlurred})
	effects = m.HandleEvent(Event{Kind: EventTabHidden})

	notices := effectsOf[ShowNotice](effects)
	require.Len(t, notices, 1)
	assert.Equal(t, msgTabFinal, notices[0].Notice.Message)
	assert.Equal(t, model.TerminationAutoSubmitted, notices[0].Notice.Reason)
	assert.Equal(t, model.ProctorStateTerminated, m.State())
}

func TestMachineBlockedActionsHaveNoViolation(t *testing.T) {
	m := startedMachine(t, 3, 0)

	for _, kind := range []EventKind{EventCopyAttempted, EventPasteAttempted, EventRestrictedKeyPressed} {
		effects := m.HandleEvent(Event{Kind: kind, Key: "Ctrl+c"})
		require.Len(t, effects, 1)
		assert.Equal(t, NoticeBlocked, effects[0].(ShowNotice).Notice.Kind)
	}
	assert.Equal(t, 0, m.Snapshot().Counts[model.ViolationTabSwitch])
	assert.Equal(t, model.ProctorStateActive, m.State())
}

func TestMachineIgnoresEventsAfterTermination(t *testing.T) {
	m := startedMachine(t, 1, 0)
	m.HandleEvent(Event{Kind: EventTabHidden})
	require.Equal(t, model.ProctorStateTerminated, m.State())

	assert.Empty(t, m.HandleEvent(Event{Kind: EventFullscreenExited}))
	assert.Empty(t, m.Expire())
	assert.Empty(t, m.Tick(10))

	_, err := m.RequestExit()
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestMachineIgnoresEventsBeforeBegin(t *testing.T) {
	m := NewMachine(uuid.New(), 3)

	assert.Empty(t, m.HandleEvent(Event{Kind: EventTabHidden}))
	_, err := m.RequestExit()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestMachineTickAndExpire(t *testing.T) {
	m := startedMachine(t, 3, 301)

	effects := m.Tick(300)
	kinds := []NoticeKind{}
	for _, n := range effectsOf[ShowNotice](effects) {
		kinds = append(kinds, n.Notice.Kind)
	}
	assert.Equal(t, []NoticeKind{NoticeTick, NoticeTimeLow}, kinds)
	assert.Equal(t, 300, m.Snapshot().RemainingSeconds)

	effects = m.Expire()
	term := effectsOf[Terminate](effects)
	require.Len(t, term, 1)
	assert.Equal(t, model.TerminationTimeExpired, term[0].Reason)
	assert.Equal(t, model.AuditTimeUp, effectsOf[LogAudit](effects)[0].Action)
	assert.Equal(t, 0, m.Snapshot().RemainingSeconds)
}

func TestMachineManualExit(t *testing.T) {
	m := startedMachine(t, 3, 0)

	_, err := m.ConfirmExit("I need to leave now")
	assert.ErrorIs(t, err, ErrNoExitPending)

	_, err = m.RequestExit()
	require.NoError(t, err)
	assert.True(t, m.Snapshot().ExitPending)
	assert.Equal(t, model.ProctorStateActive, m.State())

	_, err = m.ConfirmExit("   short    ")
	assert.ErrorIs(t, err, ErrJustificationTooShort)
	assert.Equal(t, model.ProctorStateActive, m.State())

	reason := "Power outage in the building"
	effects, err := m.ConfirmExit(reason)
	require.NoError(t, err)

	audits := effectsOf[LogAudit](effects)
	require.Len(t, audits, 1)
	assert.Equal(t, model.AuditManualExit, audits[0].Action)
	assert.Equal(t, reason, audits[0].Details)
	assert.Equal(t, model.TerminationManualExit, effectsOf[Terminate](effects)[0].Reason)
	assert.Equal(t, reason, m.Snapshot().ExitJustification)
}

func TestMachineCancelExit(t *testing.T) {
	m := startedMachine(t, 3, 0)

	_, err := m.CancelExit(true)
	assert.ErrorIs(t, err, ErrNoExitPending)

	_, err = m.RequestExit()
	require.NoError(t, err)

	// exit requested while a fullscreen exit is pending: no delayed re-entry
	effects := m.HandleEvent(Event{Kind: EventFullscreenExited})
	assert.Empty(t, effectsOf[ReenterFullscreen](effects))

	effects, err = m.CancelExit(false)
	require.NoError(t, err)
	re := effectsOf[ReenterFullscreen](effects)
	require.Len(t, re, 1)
	assert.False(t, re[0].Delayed)
	assert.False(t, m.Snapshot().ExitPending)
	assert.Equal(t, model.ProctorStateWarning, m.State())
}
