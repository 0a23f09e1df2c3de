// ABOUTME: Session manager owning the state machine with per-session serialized mutation
// ABOUTME: Persists through a Store collaborator and publishes session.state_changed events

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager errors
var (
	ErrNotFound          = errors.New("session not found")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Store is the durable persistence collaborator for sessions.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*Session, error)
}

// Publisher receives session lifecycle events. Wired to the event
// broadcaster by the gateway; a no-op fake in tests.
type Publisher interface {
	Publish(topic, event string, data any)
}

// MutateFunc inspects a session snapshot and names the state it wants to
// move to. It may also rewrite the config blob on the snapshot. Returning
// the current state applies a config-only update.
type MutateFunc func(s *Session) (State, error)

// CreateParams are the inputs for creating a session.
type CreateParams struct {
	Kind    Kind
	Channel string
	Peer    string
	Config  json.RawMessage
}

// entry pairs a session with its mutation lock. The lock is held only
// for the duration of a Mutate call, never across collaborator calls.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// Manager owns all live sessions and serializes mutation per session id.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a session manager backed by the given store.
func NewManager(store Store, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries:   make(map[string]*entry),
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "session-manager"),
		now:       time.Now,
	}
}

// Restore loads persisted sessions into memory. Closed sessions are kept
// so their ids are never reused for new sessions.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		m.entries[s.ID] = &entry{sess: s}
	}
	m.logger.Info("sessions restored", "count", len(sessions))
	return nil
}

// Create allocates a new session in Active state.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, error) {
	if !ValidKind(params.Kind) {
		return nil, fmt.Errorf("invalid session kind %q", params.Kind)
	}
	if params.Channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if params.Peer == "" {
		return nil, fmt.Errorf("peer is required")
	}

	now := m.now()
	sess := &Session{
		ID:        uuid.New().String(),
		Kind:      params.Kind,
		Channel:   params.Channel,
		Peer:      params.Peer,
		State:     StateActive,
		Config:    params.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.mu.Lock()
	m.entries[sess.ID] = &entry{sess: sess}
	m.mu.Unlock()

	m.logger.Info("session created",
		"session_id", sess.ID,
		"kind", sess.Kind,
		"channel", sess.Channel,
		"peer", sess.Peer,
	)
	m.publishStateChange(sess, "", StateActive)

	return m.snapshot(sess), nil
}

// Get returns a snapshot of the session with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.snapshot(e.sess), nil
}

// List returns snapshots of all sessions ordered by creation time.
func (m *Manager) List(ctx context.Context) []*Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, m.snapshot(e.sess))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Mutate applies fn atomically with respect to other mutations of the
// same session. An illegal requested transition leaves the session
// untouched and returns the current snapshot with ErrIllegalTransition;
// callers report that as a no-op, not a failure.
func (m *Manager) Mutate(ctx context.Context, id string, fn MutateFunc) (*Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	work := m.snapshot(e.sess)
	next, err := fn(work)
	if err != nil {
		return m.snapshot(e.sess), err
	}

	from := e.sess.State
	if next != from && !CanTransition(from, next) {
		return m.snapshot(e.sess), fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}

	work.State = next
	work.UpdatedAt = m.now()
	if err := m.store.UpdateSession(ctx, work); err != nil {
		return m.snapshot(e.sess), fmt.Errorf("persisting session: %w", err)
	}
	e.sess = work

	if next != from {
		m.publishStateChange(work, from, next)
	}
	return m.snapshot(e.sess), nil
}

// SetState is a Mutate shorthand for plain state changes.
func (m *Manager) SetState(ctx context.Context, id string, next State) (*Session, error) {
	return m.Mutate(ctx, id, func(s *Session) (State, error) { return next, nil })
}

// Close transitions a session to Closed. Closing an already-closed
// session is an idempotent no-op, not an error.
func (m *Manager) Close(ctx context.Context, id string) (*Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.State == StateClosed {
		return m.snapshot(e.sess), nil
	}

	from := e.sess.State
	work := m.snapshot(e.sess)
	work.State = StateClosed
	work.UpdatedAt = m.now()
	if err := m.store.UpdateSession(ctx, work); err != nil {
		return m.snapshot(e.sess), fmt.Errorf("persisting session: %w", err)
	}
	e.sess = work

	m.logger.Info("session closed", "session_id", id, "from", from)
	m.publishStateChange(work, from, StateClosed)
	return m.snapshot(e.sess), nil
}

// CompactFunc performs the actual compaction work. It runs without the
// session lock held; it must tolerate finishing after a disconnect.
type CompactFunc func(ctx context.Context, s *Session) error

// Compact moves a session through Compacting and back. The session
// returns to Active whether or not fn succeeds, so a failed compaction
// never leaves a session stuck in Compacting. The fn error is returned
// to the caller either way.
func (m *Manager) Compact(ctx context.Context, id string, fn CompactFunc) error {
	snap, err := m.SetState(ctx, id, StateCompacting)
	if err != nil {
		return err
	}

	compactErr := fn(ctx, snap)

	if _, err := m.SetState(ctx, id, StateActive); err != nil {
		// The enter transition succeeded, so the only way back out can
		// fail is a store error; surface it over the fn result.
		m.logger.Error("failed to leave compacting state", "session_id", id, "error", err)
		return err
	}

	return compactErr
}

// MarkIdle transitions Active sessions that have seen no activity since
// the cutoff into Idle. Used by the gateway's idle sweep.
func (m *Manager) MarkIdle(ctx context.Context, cutoff time.Time) int {
	marked := 0
	for _, s := range m.List(ctx) {
		if s.State != StateActive || s.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := m.SetState(ctx, s.ID, StateIdle); err == nil {
			marked++
		}
	}
	return marked
}

// Touch moves an Idle session back to Active on new inbound activity.
// Sessions in any other state are left alone.
func (m *Manager) Touch(ctx context.Context, id string) {
	_, err := m.Mutate(ctx, id, func(s *Session) (State, error) {
		if s.State == StateIdle {
			return StateActive, nil
		}
		return s.State, nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Debug("touch skipped", "session_id", id, "error", err)
	}
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// snapshot copies a session so callers never share the live record.
func (m *Manager) snapshot(s *Session) *Session {
	cp := *s
	if s.Config != nil {
		cp.Config = append(json.RawMessage(nil), s.Config...)
	}
	return &cp
}

// publishStateChange emits session.state_changed on the session's own
// topic and on the sessions firehose topic.
func (m *Manager) publishStateChange(s *Session, from, to State) {
	if m.publisher == nil {
		return
	}
	data := map[string]any{
		"sessionId": s.ID,
		"from":      string(from),
		"to":        string(to),
		"updatedAt": s.UpdatedAt,
	}
	m.publisher.Publish("session:"+s.ID, "session.state_changed", data)
	m.publisher.Publish("sessions", "session.state_changed", data)
}
