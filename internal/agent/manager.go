// ABOUTME: Tracks live generation handles per session and pumps their events
// ABOUTME: Drives Thinking/WaitingForTool transitions and fans events into the broadcaster

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/hearth-gateway/internal/session"
)

// ErrSessionBusy indicates a generation is already running for the session.
var ErrSessionBusy = errors.New("generation already in progress for session")

// Publisher receives agent streaming events, keyed by session topic.
type Publisher interface {
	Publish(topic, event string, data any)
}

// running is one live generation with its cancel handle.
type running struct {
	handle Handle
	cancel context.CancelFunc
}

// Manager coordinates generation work across sessions. It owns at most
// one live handle per session, satisfying the at-most-one-writer
// discipline: all session state changes go through the session manager's
// serialized mutation path.
type Manager struct {
	mu     sync.Mutex
	active map[string]*running

	runtime   Runtime
	tools     ToolRegistry
	channels  ChannelRegistry
	sessions  *session.Manager
	publisher Publisher
	logger    *slog.Logger
}

// NewManager creates an agent manager.
func NewManager(runtime Runtime, tools ToolRegistry, channels ChannelRegistry, sessions *session.Manager, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active:    make(map[string]*running),
		runtime:   runtime,
		tools:     tools,
		channels:  channels,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger.With("component", "agent-manager"),
	}
}

// Dispatch starts generation for an inbound message on a session. The
// handle's event stream is consumed on a background goroutine; the
// caller gets an immediate acknowledgement or an error if a generation
// is already running.
func (m *Manager) Dispatch(ctx context.Context, sess *session.Session, content string) error {
	if m.runtime == nil {
		return fmt.Errorf("no agent runtime configured")
	}

	m.mu.Lock()
	if _, busy := m.active[sess.ID]; busy {
		m.mu.Unlock()
		return ErrSessionBusy
	}

	// The pump outlives the dispatching connection on purpose: handlers
	// must be safe to finish orphaned, so the pump context is detached
	// from the request context.
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	handle, err := m.runtime.Spawn(pumpCtx, sess.ID, sess.Config)
	if err != nil {
		cancel()
		m.mu.Unlock()
		return fmt.Errorf("spawning agent: %w", err)
	}
	m.active[sess.ID] = &running{handle: handle, cancel: cancel}
	m.mu.Unlock()

	if _, err := m.sessions.SetState(pumpCtx, sess.ID, session.StateThinking); err != nil {
		m.logger.Warn("session not ready for generation", "session_id", sess.ID, "error", err)
		m.finish(sess.ID)
		return err
	}

	if err := handle.Send(pumpCtx, Message{Role: "user", Content: content}); err != nil {
		m.setState(pumpCtx, sess.ID, session.StateActive)
		m.finish(sess.ID)
		return fmt.Errorf("sending to agent: %w", err)
	}

	go m.pump(pumpCtx, sess.ID, handle)
	return nil
}

// Stop aborts any live generation for a session. Safe to call when none
// is running.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	r, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		r.cancel()
		_ = r.handle.Close()
	}
}

// Active reports whether a generation is running for the session.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// Close aborts all live generations.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// pump consumes one handle's event stream until done. Failures here are
// isolated to this session; the pump never panics into other work.
func (m *Manager) pump(ctx context.Context, sessionID string, handle Handle) {
	defer m.finish(sessionID)
	topic := "session:" + sessionID

	for {
		select {
		case <-ctx.Done():
			m.publisher.Publish(topic, "agent.error", map[string]any{"error": "cancelled"})
			m.setState(ctx, sessionID, session.StateActive)
			return

		case ev, ok := <-handle.Events():
			if !ok {
				m.setState(ctx, sessionID, session.StateActive)
				return
			}
			if done := m.handleEvent(ctx, sessionID, topic, handle, ev); done {
				return
			}
		}
	}
}

// handleEvent processes one generation event, returning true when the
// stream is finished.
func (m *Manager) handleEvent(ctx context.Context, sessionID, topic string, handle Handle, ev Event) bool {
	switch ev.Type {
	case EventThinking:
		m.publisher.Publish(topic, "agent.thinking", map[string]any{"text": ev.Text})

	case EventText:
		m.publisher.Publish(topic, "agent.text", map[string]any{"text": ev.Text})

	case EventToolUse:
		m.publisher.Publish(topic, "agent.tool_use", map[string]any{
			"id":   ev.ToolUse.ID,
			"name": ev.ToolUse.Name,
		})
		m.setState(ctx, sessionID, session.StateWaitingForTool)
		m.runTool(ctx, sessionID, topic, handle, ev.ToolUse)
		m.setState(ctx, sessionID, session.StateThinking)

	case EventToolResult:
		m.publisher.Publish(topic, "agent.tool_result", map[string]any{
			"id":      ev.ToolResult.ID,
			"isError": ev.ToolResult.IsError,
		})

	case EventDone:
		m.publisher.Publish(topic, "agent.done", map[string]any{"text": ev.Text})
		m.deliver(ctx, sessionID, ev.Text)
		m.setState(ctx, sessionID, session.StateActive)
		return true

	case EventError:
		m.publisher.Publish(topic, "agent.error", map[string]any{"error": ev.Err})
		m.setState(ctx, sessionID, session.StateActive)
		return true
	}
	return false
}

// runTool resolves and executes one tool call, feeding the result back
// into the generation handle.
func (m *Manager) runTool(ctx context.Context, sessionID, topic string, handle Handle, call *ToolUseEvent) {
	output, isErr := m.executeTool(ctx, call)

	m.publisher.Publish(topic, "agent.tool_result", map[string]any{
		"id":      call.ID,
		"isError": isErr,
	})

	if err := handle.Send(ctx, Message{Role: "tool", Content: output, ToolID: call.ID}); err != nil {
		m.logger.Warn("failed to return tool result", "session_id", sessionID, "tool", call.Name, "error", err)
	}
}

func (m *Manager) executeTool(ctx context.Context, call *ToolUseEvent) (output string, isErr bool) {
	if m.tools == nil {
		return fmt.Sprintf("tool %q not available: no tool registry configured", call.Name), true
	}

	h, err := m.tools.Lookup(call.Name)
	if err != nil {
		return fmt.Sprintf("tool %q not found", call.Name), true
	}

	out, err := m.tools.Execute(ctx, h, json.RawMessage(call.InputJSON))
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

// deliver sends the completed response to the session's messaging platform.
func (m *Manager) deliver(ctx context.Context, sessionID, content string) {
	if m.channels == nil || content == "" {
		return
	}
	if err := m.channels.Send(ctx, sessionID, content); err != nil {
		m.logger.Error("outbound delivery failed", "session_id", sessionID, "error", err)
	}
}

// setState applies a session transition, tolerating races with close and
// compaction: an illegal transition here means another writer moved the
// session first, which is fine.
func (m *Manager) setState(ctx context.Context, sessionID string, next session.State) {
	if _, err := m.sessions.SetState(ctx, sessionID, next); err != nil {
		m.logger.Debug("state transition skipped", "session_id", sessionID, "next", next, "error", err)
	}
}

func (m *Manager) finish(sessionID string) {
	m.mu.Lock()
	r, ok := m.active[sessionID]
	if ok {
		delete(m.active, sessionID)
	}
	m.mu.Unlock()
	if ok {
		r.cancel()
		_ = r.handle.Close()
	}
}
