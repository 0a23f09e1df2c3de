// ABOUTME: Tests for the topic broadcaster's ordering and slow-consumer policy
// ABOUTME: Covers per-topic order, monotonic ids, late joiners, and disconnection

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth-gateway/internal/protocol"
)

// chanSink buffers delivered events on a channel.
type chanSink struct {
	id string
	ch chan *protocol.Event
}

func newChanSink(id string, capacity int) *chanSink {
	return &chanSink{id: id, ch: make(chan *protocol.Event, capacity)}
}

func (s *chanSink) ID() string { return s.id }

func (s *chanSink) Send(ev *protocol.Event, grace time.Duration) error {
	select {
	case s.ch <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

func (s *chanSink) drain(t *testing.T, n int) []*protocol.Event {
	t.Helper()
	out := make([]*protocol.Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBroadcaster_DeliversInPublishOrder(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, nil, nil)
	defer b.Close()

	sink := newChanSink("c1", 64)
	b.Subscribe("sessions", sink)

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish("sessions", "session.state_changed", map[string]any{"seq": i})
	}

	got := sink.drain(t, n)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.ID, "event %d has wrong id", i)
		assert.Equal(t, "sessions", ev.Topic)
		data := ev.Data.(map[string]any)
		assert.Equal(t, i, data["seq"])
	}
}

func TestBroadcaster_AllSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, nil, nil)
	defer b.Close()

	s1 := newChanSink("c1", 128)
	s2 := newChanSink("c2", 128)
	b.Subscribe("sessions", s1)
	b.Subscribe("sessions", s2)

	// Concurrent publishers; every subscriber must still observe one
	// total order per topic with monotonic ids.
	const publishers, perPublisher = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish("sessions", "tick", nil)
			}
		}()
	}
	wg.Wait()

	total := publishers * perPublisher
	for _, sink := range []*chanSink{s1, s2} {
		got := sink.drain(t, total)
		for i, ev := range got {
			assert.Equal(t, uint64(i+1), ev.ID)
		}
	}
}

func TestBroadcaster_IndependentTopicCounters(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, nil, nil)
	defer b.Close()

	sink := newChanSink("c1", 16)
	b.Subscribe("a", sink)
	b.Subscribe("b", sink)

	assert.Equal(t, uint64(1), b.Publish("a", "ev", nil))
	assert.Equal(t, uint64(2), b.Publish("a", "ev", nil))
	assert.Equal(t, uint64(1), b.Publish("b", "ev", nil))
}

func TestBroadcaster_LateJoinerMissesEarlierEvents(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, nil, nil)
	defer b.Close()

	early := newChanSink("early", 16)
	b.Subscribe("sessions", early)
	b.Publish("sessions", "first", nil)

	late := newChanSink("late", 16)
	b.Subscribe("sessions", late)
	b.Publish("sessions", "second", nil)

	earlyGot := early.drain(t, 2)
	assert.Equal(t, "first", earlyGot[0].Event)
	assert.Equal(t, "second", earlyGot[1].Event)

	lateGot := late.drain(t, 1)
	assert.Equal(t, "second", lateGot[0].Event)
	assert.Equal(t, uint64(2), lateGot[0].ID)
	select {
	case ev := <-late.ch:
		t.Fatalf("late joiner received unexpected event %q", ev.Event)
	default:
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, nil, nil)
	defer b.Close()

	assert.Equal(t, uint64(0), b.Publish("nobody", "ev", nil))
}

func TestBroadcaster_SlowConsumerDropped(t *testing.T) {
	var mu sync.Mutex
	var dropped []string
	notified := make(chan struct{}, 1)

	b := NewBroadcaster(10*time.Millisecond, func(connID, topic string) {
		mu.Lock()
		dropped = append(dropped, connID)
		mu.Unlock()
		select {
		case notified <- struct{}{}:
		default:
		}
	}, nil)
	defer b.Close()

	slow := newChanSink("slow", 1)
	healthy := newChanSink("healthy", 16)
	b.Subscribe("sessions", slow)
	b.Subscribe("sessions", healthy)

	// Fill the slow sink's queue, then exceed it.
	b.Publish("sessions", "ev-1", nil)
	b.Publish("sessions", "ev-2", nil)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("slow-consumer callback never fired")
	}

	mu.Lock()
	assert.Equal(t, []string{"slow"}, dropped)
	mu.Unlock()

	// The healthy subscriber saw everything and keeps receiving.
	healthy.drain(t, 2)
	b.Publish("sessions", "ev-3", nil)
	got := healthy.drain(t, 1)
	assert.Equal(t, "ev-3", got[0].Event)

	// The slow subscriber is fully unsubscribed.
	assert.Empty(t, b.Topics("slow"))
}

func TestBroadcaster_UnsubscribeAndDropIdempotent(t *testing.T) {
	b := NewBroadcaster(100*time.Millisecond, nil, nil)
	defer b.Close()

	sink := newChanSink("c1", 16)
	b.Subscribe("a", sink)
	b.Subscribe("b", sink)
	assert.ElementsMatch(t, []string{"a", "b"}, b.Topics("c1"))

	b.Unsubscribe("a", "c1")
	assert.Equal(t, []string{"b"}, b.Topics("c1"))

	// Unknown pairs and repeated drops are no-ops.
	b.Unsubscribe("a", "c1")
	b.Unsubscribe("zzz", "c1")
	b.DropConnection("c1")
	b.DropConnection("c1")
	assert.Empty(t, b.Topics("c1"))

	b.Publish("b", "ev", nil)
	select {
	case ev := <-sink.ch:
		t.Fatalf("dropped connection received event %q", ev.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SetGrace(t *testing.T) {
	b := NewBroadcaster(time.Hour, nil, nil)
	defer b.Close()

	require.Equal(t, time.Hour, b.graceNow())
	b.SetGrace(time.Second)
	assert.Equal(t, time.Second, b.graceNow())
}
