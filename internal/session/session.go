// ABOUTME: Session types and the canonical state machine transition table
// ABOUTME: Closed is terminal; every other transition is enumerated here

package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive         State = "active"
	StateIdle           State = "idle"
	StateWaitingForTool State = "waiting_for_tool"
	StateThinking       State = "thinking"
	StateCompacting     State = "compacting"
	StateClosed         State = "closed"
)

// Kind categorizes a session by its conversational shape.
type Kind string

const (
	KindMain   Kind = "main"
	KindGroup  Kind = "group"
	KindDirect Kind = "direct"
)

// ValidKind reports whether k is a recognized session kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindMain, KindGroup, KindDirect:
		return true
	}
	return false
}

// Session is a logical, long-lived conversation context. It outlives any
// one connection and is owned by the Manager; mutation always goes
// through the Manager's single-writer path.
type Session struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Channel   string          `json:"channel"`
	Peer      string          `json:"peer"`
	State     State           `json:"state"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// transitions is the set of legal state changes. Closed appears as a
// target from every non-terminal state via CanTransition's special case.
var transitions = map[State][]State{
	StateActive:         {StateIdle, StateThinking, StateCompacting},
	StateIdle:           {StateActive, StateCompacting},
	StateThinking:       {StateWaitingForTool, StateActive},
	StateWaitingForTool: {StateThinking},
	StateCompacting:     {StateActive},
}

// CanTransition reports whether moving from one state to another is
// legal. No transition leaves Closed, including Closed -> Closed; the
// Manager treats repeated close as an idempotent no-op instead.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
