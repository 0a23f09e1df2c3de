// ABOUTME: Tests for SQLite persistence of sessions and trust records
// ABOUTME: Runs against a temp-dir database file per test

package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/session"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeSession(id string) *session.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &session.Session{
		ID:        id,
		Kind:      session.KindDirect,
		Channel:   "telegram",
		Peer:      "+15551234",
		State:     session.StateActive,
		Config:    json.RawMessage(`{"model":"large"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteStore_SessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	sess := makeSession("s1")
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, session.KindDirect, got.Kind)
	assert.Equal(t, session.StateActive, got.State)
	assert.JSONEq(t, `{"model":"large"}`, string(got.Config))

	got.State = session.StateIdle
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateSession(ctx, got))

	updated, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, updated.State)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateMissingSession(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSession(t.Context(), makeSession("ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListSessionsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	first := makeSession("s1")
	second := makeSession("s2")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.Config = nil

	require.NoError(t, s.CreateSession(ctx, first))
	require.NoError(t, s.CreateSession(ctx, second))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, "s2", list[1].ID)
	assert.Nil(t, list[1].Config)
}

func TestSQLiteStore_RejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession("s1")
	sess.Kind = session.Kind("broadcast")
	assert.Error(t, s.CreateSession(t.Context(), sess))
}

func TestSQLiteStore_TrustedDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	device := &auth.TrustedDevice{
		ID:          "device-1",
		Name:        "laptop",
		SecretHash:  []byte("bcrypt-hash-bytes"),
		Profile:     "mobile",
		Permissions: []string{"chat", "events"},
	}
	require.NoError(t, s.CreateTrustedDevice(ctx, device))

	got, err := s.GetTrustedDevice(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "laptop", got.Name)
	assert.Equal(t, []byte("bcrypt-hash-bytes"), got.SecretHash)
	assert.Equal(t, []string{"chat", "events"}, got.Permissions)

	require.NoError(t, s.DeleteTrustedDevice(ctx, "device-1"))
	_, err = s.GetTrustedDevice(ctx, "device-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteTrustedDevice(ctx, "device-1"), ErrNotFound)
}

func TestSQLiteStore_EventLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		ev := &LedgerEvent{
			Topic:     "session:s1",
			Event:     "agent.text",
			SessionID: "s1",
			Payload:   json.RawMessage(`{"text":"hi"}`),
		}
		require.NoError(t, s.RecordEvent(ctx, ev))
		assert.Equal(t, int64(i+1), ev.ID)
	}
	require.NoError(t, s.RecordEvent(ctx, &LedgerEvent{Topic: "sessions", Event: "noise"}))

	events, err := s.ListEvents(ctx, "session:s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.ID)
		assert.Equal(t, "s1", ev.SessionID)
		assert.JSONEq(t, `{"text":"hi"}`, string(ev.Payload))
	}

	// Pagination via afterID.
	tail, err := s.ListEvents(ctx, "session:s1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].ID)

	// Limit caps the page size.
	page, err := s.ListEvents(ctx, "session:s1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
