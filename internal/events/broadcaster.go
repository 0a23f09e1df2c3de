// ABOUTME: Topic-based event broadcaster with per-topic publish-order delivery
// ABOUTME: Bounded per-connection queues; slow consumers get one grace wait, then disconnect

package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hearth-gateway/internal/protocol"
)

// ErrQueueFull is returned by a Sink when the connection's outbound queue
// stayed full past the grace period.
var ErrQueueFull = errors.New("outbound queue full")

// Sink is the delivery target for one subscribed connection. Send blocks
// for at most grace when the queue is full; ErrQueueFull marks the
// connection a slow consumer.
type Sink interface {
	ID() string
	Send(ev *protocol.Event, grace time.Duration) error
}

// SlowConsumerFunc is invoked (outside broadcaster locks) when a sink is
// dropped for failing delivery. The gateway uses it to disconnect.
type SlowConsumerFunc func(connID, topic string)

// topicState tracks one topic's subscribers and its monotonic event id.
// The mutex serializes delivery so every subscriber observes publishes
// in the order Publish was called for that topic.
type topicState struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]Sink
}

// Broadcaster fans events out to subscribed connections by topic.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	byConn map[string]map[string]struct{} // connID -> subscribed topics

	grace  time.Duration
	onSlow SlowConsumerFunc
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. grace bounds the wait on a full
// subscriber queue before the slow-consumer policy kicks in.
func NewBroadcaster(grace time.Duration, onSlow SlowConsumerFunc, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		topics: make(map[string]*topicState),
		byConn: make(map[string]map[string]struct{}),
		grace:  grace,
		onSlow: onSlow,
		logger: logger.With("component", "broadcaster"),
	}
}

// SetGrace updates the slow-consumer grace period. Used when a new
// config epoch is applied.
func (b *Broadcaster) SetGrace(grace time.Duration) {
	b.mu.Lock()
	b.grace = grace
	b.mu.Unlock()
}

func (b *Broadcaster) graceNow() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.grace
}

// Subscribe registers a connection's sink for a topic. Late joiners only
// receive events published after subscription.
func (b *Broadcaster) Subscribe(topic string, sink Sink) {
	b.mu.Lock()
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{subs: make(map[string]Sink)}
		b.topics[topic] = ts
	}
	if _, ok := b.byConn[sink.ID()]; !ok {
		b.byConn[sink.ID()] = make(map[string]struct{})
	}
	b.byConn[sink.ID()][topic] = struct{}{}
	b.mu.Unlock()

	ts.mu.Lock()
	ts.subs[sink.ID()] = sink
	ts.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "conn_id", sink.ID())
}

// Unsubscribe removes a connection from one topic. Unknown pairs are a no-op.
func (b *Broadcaster) Unsubscribe(topic, connID string) {
	b.mu.Lock()
	ts, ok := b.topics[topic]
	if set, ok := b.byConn[connID]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(b.byConn, connID)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	ts.mu.Lock()
	delete(ts.subs, connID)
	ts.mu.Unlock()

	b.logger.Debug("subscriber removed", "topic", topic, "conn_id", connID)
}

// DropConnection removes a connection from every topic. Safe to call
// multiple times; later calls are no-ops.
func (b *Broadcaster) DropConnection(connID string) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.byConn[connID]))
	for topic := range b.byConn[connID] {
		topics = append(topics, topic)
	}
	delete(b.byConn, connID)
	states := make([]*topicState, 0, len(topics))
	for _, topic := range topics {
		if ts, ok := b.topics[topic]; ok {
			states = append(states, ts)
		}
	}
	b.mu.Unlock()

	for _, ts := range states {
		ts.mu.Lock()
		delete(ts.subs, connID)
		ts.mu.Unlock()
	}
}

// Topics returns the topics a connection is currently subscribed to.
func (b *Broadcaster) Topics(connID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byConn[connID]))
	for topic := range b.byConn[connID] {
		out = append(out, topic)
	}
	return out
}

// Publish delivers an event to every current subscriber of the topic in
// publish-call order, assigning the topic's next monotonic event id.
// Subscribers that stay full past the grace period are reported to the
// slow-consumer callback and dropped from all topics. Returns the
// assigned event id.
func (b *Broadcaster) Publish(topic, event string, data any) uint64 {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	ts.mu.Lock()
	ts.nextID++
	ev := &protocol.Event{
		Type:  protocol.TypeEvent,
		Topic: topic,
		Event: event,
		Data:  data,
		ID:    ts.nextID,
	}

	grace := b.graceNow()
	var slow []string
	for id, sink := range ts.subs {
		if err := sink.Send(ev, grace); err != nil {
			b.logger.Warn("slow consumer, dropping connection",
				"topic", topic,
				"conn_id", id,
				"event_id", ev.ID,
			)
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		delete(ts.subs, id)
	}
	ts.mu.Unlock()

	for _, id := range slow {
		b.DropConnection(id)
		if b.onSlow != nil {
			go b.onSlow(id, topic)
		}
	}

	return ev.ID
}

// Close drops all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, ts := range b.topics {
		ts.mu.Lock()
		ts.subs = make(map[string]Sink)
		ts.mu.Unlock()
		delete(b.topics, topic)
	}
	b.byConn = make(map[string]map[string]struct{})
	b.logger.Debug("broadcaster closed")
}
