// ABOUTME: Thread-safe TTL tracker for request ids seen on a connection
// ABOUTME: Rejects an id reused while a prior request with that id is pending or recent

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// trackerEntry stores the timestamp and list element for a tracked key.
type trackerEntry struct {
	timestamp time.Time
	pending   bool
	element   *list.Element
}

// Tracker enforces the request-id invariant: a connection must not reuse
// an id while a prior request with that id is still pending. Completed
// ids stay tracked for the TTL window to catch immediate replays, then
// age out. A doubly-linked list maintains insertion order for O(1)
// eviction when the tracker is at capacity.
type Tracker struct {
	mu      sync.Mutex
	seen    map[string]*trackerEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a request-id tracker with the specified TTL and maximum
// size. A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Tracker {
	t := &Tracker{
		seen:    make(map[string]*trackerEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Reserve atomically claims a request id. It returns false if the id is
// still pending or was completed within the TTL window; true means the
// id is now tracked as pending and the request may proceed.
func (t *Tracker) Reserve(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.seen[key]; ok {
		if entry.pending || time.Since(entry.timestamp) < t.ttl {
			return false
		}
		// Expired leftover; reclaim it.
		entry.timestamp = time.Now()
		entry.pending = true
		t.order.MoveToBack(entry.element)
		return true
	}

	if len(t.seen) >= t.maxSize {
		t.evictOldest()
	}

	elem := t.order.PushBack(key)
	t.seen[key] = &trackerEntry{
		timestamp: time.Now(),
		pending:   true,
		element:   elem,
	}
	return true
}

// Release marks a reserved id as completed. The id stays tracked until
// the TTL expires so an immediate reuse is still rejected.
func (t *Tracker) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.seen[key]; ok {
		entry.pending = false
		entry.timestamp = time.Now()
	}
}

// evictOldest removes the oldest non-pending entry. Must be called with
// mu held. Pending entries are skipped: evicting one would let its id be
// reused mid-flight.
func (t *Tracker) evictOldest() {
	for elem := t.order.Front(); elem != nil; elem = elem.Next() {
		key, _ := elem.Value.(string)
		if entry := t.seen[key]; entry != nil && entry.pending {
			continue
		}
		t.order.Remove(elem)
		delete(t.seen, key)
		return
	}
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (t *Tracker) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runCleanup()
		case <-t.done:
			return
		}
	}
}

// runCleanup removes all expired, non-pending entries.
func (t *Tracker) runCleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.seen {
		if !entry.pending && now.Sub(entry.timestamp) > t.ttl {
			t.order.Remove(entry.element)
			delete(t.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
