package session

import "github.com/room4-2/OpenOnboard/realtime"

// turnPhase is the lifecycle position of the agent-turn state machine.
type turnPhase int

const (
	phaseIdle turnPhase = iota
	phaseAwaitingReady
	phaseInFlight
)

func (p turnPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseAwaitingReady:
		return "awaitingSessionReady"
	case phaseInFlight:
		return "turnInFlight"
	}
	return "unknown"
}

// pendingTurn is the single queued turn request. A newer request replaces an
// older unsent one; exactly one survives.
type pendingTurn struct {
	resp   realtime.Response
	reason string
}

// turnMachine is the single authority on whether a turn request may be sent
// right now. At most one turn is in flight at any instant; requests that
// cannot be sent are held in the one-slot pending queue ("turnQueued" is
// pending != nil). All methods are called from the session run loop only.
type turnMachine struct {
	phase        turnPhase
	outputActive bool
	pending      *pendingTurn
}

func newTurnMachine() *turnMachine {
	return &turnMachine{phase: phaseIdle}
}

// ConfiguringSession records that session.update was sent and the machine is
// waiting for the remote acknowledgment before any turn may go out.
func (m *turnMachine) ConfiguringSession() {
	m.phase = phaseAwaitingReady
	m.outputActive = false
}

// SessionReady handles the remote ready acknowledgment. It returns the turn
// queued before readiness, or kickoff=true when none was queued and the
// configured kickoff turn should be sent.
func (m *turnMachine) SessionReady() (send *pendingTurn, kickoff bool) {
	if m.phase != phaseAwaitingReady {
		return nil, false
	}
	m.phase = phaseInFlight
	if m.pending != nil {
		send = m.pending
		m.pending = nil
		return send, false
	}
	return nil, true
}

// RequestTurn asks to send one turn. It returns true when the request may be
// sent now; otherwise the request replaces any pending one and waits for the
// next flush point.
func (m *turnMachine) RequestTurn(resp realtime.Response, reason string) bool {
	if m.phase == phaseInFlight || m.phase == phaseAwaitingReady || m.outputActive {
		m.pending = &pendingTurn{resp: resp, reason: reason}
		return false
	}
	m.phase = phaseInFlight
	return true
}

// ResponseStarted confirms the remote began a turn.
func (m *turnMachine) ResponseStarted() {
	m.phase = phaseInFlight
}

// ResponseFinished handles turn completion (success, cancel or failure).
// It returns a pending turn to send now, if one can be flushed.
func (m *turnMachine) ResponseFinished() *pendingTurn {
	m.phase = phaseIdle
	return m.flush()
}

// OutputStarted records that remote output audio is playing.
func (m *turnMachine) OutputStarted() {
	m.outputActive = true
}

// OutputStopped records that remote output audio ended and returns a pending
// turn to send now, if one can be flushed.
func (m *turnMachine) OutputStopped() *pendingTurn {
	m.outputActive = false
	return m.flush()
}

// NoteConflict handles the remote "turn already active" complaint: a benign
// signal that in-flight should already be set.
func (m *turnMachine) NoteConflict() {
	if m.phase == phaseIdle {
		m.phase = phaseInFlight
	}
}

// Reset returns the machine to idle, dropping any pending turn. Used when
// the transport is re-established.
func (m *turnMachine) Reset() {
	m.phase = phaseIdle
	m.outputActive = false
	m.pending = nil
}

func (m *turnMachine) flush() *pendingTurn {
	if m.phase == phaseInFlight || m.phase == phaseAwaitingReady || m.outputActive {
		return nil
	}
	if m.pending == nil {
		return nil
	}
	send := m.pending
	m.pending = nil
	m.phase = phaseInFlight
	return send
}

// InFlight reports whether a turn request is currently unresolved.
func (m *turnMachine) InFlight() bool { return m.phase == phaseInFlight }

// OutputActive reports whether remote output audio is playing.
func (m *turnMachine) OutputActive() bool { return m.outputActive }

// HasPending reports whether a turn request is queued.
func (m *turnMachine) HasPending() bool { return m.pending != nil }
