// ABOUTME: Collaborator interfaces for AI generation, tools, and outbound channels
// ABOUTME: Implemented externally; the gateway core only consumes these contracts

package agent

import (
	"context"
	"encoding/json"
)

// Runtime spawns generation work for a session. Implemented by the
// external agent execution engine.
type Runtime interface {
	Spawn(ctx context.Context, sessionID string, config json.RawMessage) (Handle, error)
}

// Handle is one live generation stream. Events closes when the handle is
// done; Close aborts outstanding work.
type Handle interface {
	Events() <-chan Event
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Message is input to a generation handle: a user turn or a tool result.
type Message struct {
	Role    string // "user" or "tool"
	Content string
	ToolID  string // set for tool results
}

// EventType indicates the kind of generation event.
type EventType int

const (
	EventThinking EventType = iota
	EventText
	EventToolUse
	EventToolResult
	EventDone
	EventError
)

// Event is one streamed generation event from a Handle.
type Event struct {
	Type       EventType
	Text       string
	ToolUse    *ToolUseEvent
	ToolResult *ToolResultEvent
	Err        string
}

// ToolUseEvent represents a tool invocation requested by the agent.
type ToolUseEvent struct {
	ID        string
	Name      string
	InputJSON json.RawMessage
}

// ToolResultEvent represents the result of a tool invocation.
type ToolResultEvent struct {
	ID      string
	Output  string
	IsError bool
}

// ToolRegistry resolves and executes tools on the agent's behalf.
// Implemented externally.
type ToolRegistry interface {
	Lookup(name string) (ToolHandler, error)
	Execute(ctx context.Context, h ToolHandler, args json.RawMessage) (string, error)
}

// ToolHandler is an opaque reference returned by ToolRegistry.Lookup.
type ToolHandler interface {
	Name() string
}

// ChannelRegistry delivers completed responses to the messaging platform
// that owns a session. Implemented externally.
type ChannelRegistry interface {
	Send(ctx context.Context, sessionID, content string) error
}
