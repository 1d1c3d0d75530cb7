// Package session coordinates device ownership across concurrently running
// agent contexts (tabs, windows, processes sharing one store). At most one
// context may run a given device; takeover is explicit and hard-preempts the
// previous owner.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"swarmnode/store"
)

// EventType classifies ownership events.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionStopped EventType = "session_stopped"
	EventTakeover       EventType = "takeover"
)

// Event is one ownership notification.
type Event struct {
	Type         EventType `json:"type"`
	DeviceID     string    `json:"device_id"`
	TabID        string    `json:"tab_id"`
	SessionToken string    `json:"session_token,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

// Bus delivers ownership events between contexts. The coordinator never
// knows which transport backs it.
type Bus interface {
	Publish(e Event) error
	// Subscribe returns a channel of events and an unsubscribe func.
	Subscribe() (<-chan Event, func())
	Close() error
}

// MemoryBus is the instant broadcast backend for contexts sharing one
// process. Slow subscribers drop events rather than block publishers; the
// coordinator's ownership poll is the catch-up path.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewMemoryBus creates an in-process broadcast bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Event)}
}

func (b *MemoryBus) Publish(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("session: bus closed")
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

const (
	eventLogKey     = "session-events"
	eventLogVersion = 1
)

// publishedEvent is the persisted shape of the polling transport: the last
// event plus a sequence number so readers detect new writes.
type publishedEvent struct {
	Seq   int64 `json:"seq"`
	Event Event `json:"event"`
}

// PollingBus is the fallback transport for contexts that only share the
// store: events are written to a well-known key and delivered by polling.
// Only the most recent event is retained; like the broadcast backend, the
// ownership poll covers anything missed.
type PollingBus struct {
	store    store.Store
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	lastSeq int64
	closed  bool
}

// NewPollingBus creates a store-backed polling bus. Run must be called for
// events to be delivered.
func NewPollingBus(s store.Store, clk clock.Clock, interval time.Duration, logger *slog.Logger) *PollingBus {
	if clk == nil {
		clk = clock.New()
	}
	b := &PollingBus{
		store:    s,
		clock:    clk,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]chan Event),
	}
	// Skip everything already in the log at startup
	var rec publishedEvent
	if ok, err := store.LoadJSON(s, eventLogKey, eventLogVersion, &rec, nil); err == nil && ok {
		b.lastSeq = rec.Seq
	}
	return b
}

func (b *PollingBus) Publish(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("session: bus closed")
	}

	var rec publishedEvent
	if ok, err := store.LoadJSON(b.store, eventLogKey, eventLogVersion, &rec, nil); err != nil {
		return err
	} else if !ok {
		rec.Seq = 0
	}
	rec.Seq++
	rec.Event = e
	// Our own write must not come back around on the next poll
	b.lastSeq = rec.Seq
	return store.SaveJSON(b.store, eventLogKey, eventLogVersion, rec)
}

func (b *PollingBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Run polls the event log until ctx is cancelled.
func (b *PollingBus) Run(ctx context.Context) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *PollingBus) poll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	var rec publishedEvent
	ok, err := store.LoadJSON(b.store, eventLogKey, eventLogVersion, &rec, nil)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("session event poll failed", "error", err)
		}
		return
	}
	if !ok || rec.Seq <= b.lastSeq {
		return
	}
	b.lastSeq = rec.Seq
	for _, ch := range b.subs {
		select {
		case ch <- rec.Event:
		default:
		}
	}
}

func (b *PollingBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
