// ABOUTME: Tests for the session state machine transition table
// ABOUTME: Closed is terminal; everything else follows the enumerated edges

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateActive, StateIdle},
		{StateActive, StateThinking},
		{StateActive, StateCompacting},
		{StateIdle, StateActive},
		{StateIdle, StateCompacting},
		{StateThinking, StateWaitingForTool},
		{StateThinking, StateActive},
		{StateWaitingForTool, StateThinking},
		{StateCompacting, StateActive},
		{StateActive, StateClosed},
		{StateIdle, StateClosed},
		{StateThinking, StateClosed},
		{StateWaitingForTool, StateClosed},
		{StateCompacting, StateClosed},
	}
	for _, tt := range legal {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s should be legal", tt.from, tt.to)
	}

	illegal := []struct{ from, to State }{
		{StateActive, StateWaitingForTool},
		{StateIdle, StateThinking},
		{StateWaitingForTool, StateActive},
		{StateCompacting, StateIdle},
		{StateCompacting, StateThinking},
		{StateClosed, StateActive},
		{StateClosed, StateClosed},
	}
	for _, tt := range illegal {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s should be illegal", tt.from, tt.to)
	}
}

func TestValidKind(t *testing.T) {
	assert.True(t, ValidKind(KindMain))
	assert.True(t, ValidKind(KindGroup))
	assert.True(t, ValidKind(KindDirect))
	assert.False(t, ValidKind(Kind("broadcast")))
	assert.False(t, ValidKind(Kind("")))
}
