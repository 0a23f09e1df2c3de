// ABOUTME: Publisher that mirrors broadcast events into the SQLite ledger
// ABOUTME: Delivery comes first; ledger failures are logged, never propagated

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/hearth-gateway/internal/events"
	"github.com/2389/hearth-gateway/internal/store"
)

// ledgerPublisher satisfies the session and agent managers' Publisher
// interfaces. Every published event is fanned out to live subscribers and
// appended to the gateway event ledger for history queries.
type ledgerPublisher struct {
	broadcaster *events.Broadcaster
	store       *store.SQLiteStore
	logger      *slog.Logger
}

func (p *ledgerPublisher) Publish(topic, event string, data any) {
	p.broadcaster.Publish(topic, event, data)

	payload, err := json.Marshal(data)
	if err != nil {
		p.logger.Warn("event payload not recordable", "topic", topic, "event", event, "error", err)
		payload = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &store.LedgerEvent{
		Topic:     topic,
		Event:     event,
		SessionID: sessionIDFromTopic(topic),
		Payload:   payload,
	}
	if err := p.store.RecordEvent(ctx, rec); err != nil {
		p.logger.Warn("ledger write failed", "topic", topic, "event", event, "error", err)
	}
}

// sessionIDFromTopic extracts the session id from session-scoped topics.
func sessionIDFromTopic(topic string) string {
	if rest, ok := strings.CutPrefix(topic, "session:"); ok {
		return rest
	}
	return ""
}
