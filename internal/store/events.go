// ABOUTME: Gateway event ledger for audit and history
// ABOUTME: Records broadcast events and connection lifecycle for later inspection

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LedgerEvent is one recorded gateway event. SessionID and ConnID are
// optional attribution; Payload is the event data as JSON.
type LedgerEvent struct {
	ID        int64
	Topic     string
	Event     string
	SessionID string
	ConnID    string
	Payload   json.RawMessage
	Timestamp time.Time
}

// RecordEvent appends an event to the ledger. Ledger failures are the
// caller's to log; they never block event delivery.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *LedgerEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	query := `
		INSERT INTO gateway_events (topic, event, session_id, conn_id, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		ev.Topic, ev.Event, nullableString(ev.SessionID), nullableString(ev.ConnID),
		nullableJSON(ev.Payload), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting ledger event: %w", err)
	}

	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading ledger event id: %w", err)
	}
	return nil
}

// ListEvents returns up to limit ledger events for a topic in insertion
// order, starting after the given event id. A zero limit defaults to 50.
func (s *SQLiteStore) ListEvents(ctx context.Context, topic string, afterID int64, limit int) ([]*LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT event_id, topic, event, session_id, conn_id, payload, ts
		FROM gateway_events
		WHERE topic = ? AND event_id > ?
		ORDER BY event_id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, topic, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ledger events: %w", err)
	}
	defer rows.Close()

	var out []*LedgerEvent
	for rows.Next() {
		var ev LedgerEvent
		var sessionID, connID, payload *string
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Event, &sessionID, &connID, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning ledger event: %w", err)
		}
		if sessionID != nil {
			ev.SessionID = *sessionID
		}
		if connID != nil {
			ev.ConnID = *connID
		}
		if payload != nil {
			ev.Payload = json.RawMessage(*payload)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
