// ABOUTME: SQLite persistence for sessions, trust records, and the event ledger
// ABOUTME: Implements the session.Store and auth trust interfaces using modernc.org/sqlite

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/session"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SQLiteStore implements session persistence, trust records, and the
// gateway event ledger on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent read behavior under the gateway's load
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			channel    TEXT NOT NULL,
			peer       TEXT NOT NULL,
			state      TEXT NOT NULL,
			config     TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,

			CHECK (kind IN ('main', 'group', 'direct'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
		CREATE INDEX IF NOT EXISTS idx_sessions_channel_peer ON sessions(channel, peer);

		CREATE TABLE IF NOT EXISTS trusted_devices (
			device_id   TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			secret_hash BLOB NOT NULL,
			profile     TEXT NOT NULL,
			permissions TEXT,
			created_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS gateway_events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL,
			event      TEXT NOT NULL,
			session_id TEXT,
			conn_id    TEXT,
			payload    TEXT,
			ts         DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_gateway_events_topic ON gateway_events(topic, event_id);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_session ON gateway_events(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *session.Session) error {
	query := `
		INSERT INTO sessions (id, kind, channel, peer, state, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Kind), sess.Channel, sess.Peer, string(sess.State),
		nullableJSON(sess.Config), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	query := `
		SELECT id, kind, channel, peer, state, config, created_at, updated_at
		FROM sessions WHERE id = ?`

	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// UpdateSession rewrites the mutable fields of a session row.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *session.Session) error {
	query := `
		UPDATE sessions SET state = ?, config = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(sess.State), nullableJSON(sess.Config), sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	query := `
		SELECT id, kind, channel, peer, state, config, created_at, updated_at
		FROM sessions ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var sess session.Session
	var kind, state string
	var config sql.NullString

	err := row.Scan(&sess.ID, &kind, &sess.Channel, &sess.Peer, &state,
		&config, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Kind = session.Kind(kind)
	sess.State = session.State(state)
	if config.Valid {
		sess.Config = json.RawMessage(config.String)
	}
	return &sess, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateTrustedDevice persists a trust record created by a completed pairing.
func (s *SQLiteStore) CreateTrustedDevice(ctx context.Context, device *auth.TrustedDevice) error {
	perms, err := json.Marshal(device.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	query := `
		INSERT INTO trusted_devices (device_id, name, secret_hash, profile, permissions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		device.ID, device.Name, device.SecretHash, device.Profile, string(perms), time.Now())
	if err != nil {
		return fmt.Errorf("inserting trusted device: %w", err)
	}
	return nil
}

// GetTrustedDevice retrieves a trust record by device id.
func (s *SQLiteStore) GetTrustedDevice(ctx context.Context, deviceID string) (*auth.TrustedDevice, error) {
	query := `
		SELECT device_id, name, secret_hash, profile, permissions
		FROM trusted_devices WHERE device_id = ?`

	var device auth.TrustedDevice
	var perms sql.NullString
	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.ID, &device.Name, &device.SecretHash, &device.Profile, &perms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trusted device: %w", err)
	}

	if perms.Valid && perms.String != "" {
		if err := json.Unmarshal([]byte(perms.String), &device.Permissions); err != nil {
			return nil, fmt.Errorf("decoding permissions: %w", err)
		}
	}
	return &device, nil
}

// DeleteTrustedDevice revokes a trust record.
func (s *SQLiteStore) DeleteTrustedDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("deleting trusted device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting trusted device: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
