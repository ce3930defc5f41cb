package failover

import (
	"fmt"
	"time"
)

// State is the session-level engine state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateError      State = "error"
)

var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateActive, StateFinalizing, StateError},
	StateActive:     {StatePaused, StateFinalizing, StateError},
	StatePaused:     {StateActive, StateFinalizing, StateError},
	StateFinalizing: {StateDone, StateError},
	StateDone:       {StateIdle},
	StateError:      {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Running reports whether the state holds live resources.
func (s State) Running() bool {
	switch s {
	case StateConnecting, StateActive, StatePaused, StateFinalizing:
		return true
	}
	return false
}

// EnginePhase tracks one engine kind within a session.
type EnginePhase string

const (
	PhaseIdle       EnginePhase = "idle"
	PhaseConnecting EnginePhase = "connecting"
	PhaseActive     EnginePhase = "active"
	PhaseDegraded   EnginePhase = "degraded"
	PhaseFailed     EnginePhase = "failed"
)

type EngineState struct {
	Phase  EnginePhase `json:"phase"`
	Since  time.Time   `json:"since"`
	Reason string      `json:"reason,omitempty"`
}

func (e EngineState) String() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Phase, e.Reason)
	}
	return string(e.Phase)
}

func (e EngineState) live() bool {
	return e.Phase == PhaseConnecting || e.Phase == PhaseActive || e.Phase == PhaseDegraded
}
