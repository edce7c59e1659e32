// Package events is the per-root-topic fan-out bus every run publishes
// through. Transports (SSE, WebSocket, push-callback) are subscribers
// registered at dispatch time, never a separate execution path.
package events

import (
	"sync"
	"time"
)

// Type names the kind of frame published to a topic.
type Type string

const (
	TypeTaskStarted   Type = "TaskStarted"
	TypeTaskCompleted Type = "TaskCompleted"
	TypeTaskFailed    Type = "TaskFailed"
	TypeTaskCancelled Type = "TaskCancelled"
	TypeRunFinal      Type = "RunFinal"
	TypeStreamEnd     Type = "StreamEnd"
	TypeStreamDropped Type = "StreamDropped"
)

// Event is one frame published to a topic (one topic per root task run).
type Event struct {
	Type      Type      `json:"type"`
	RootID    string    `json:"root_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Metrics tracks bus-wide drop counters, exposed to observability as
// prometheus gauges.
type Metrics struct {
	mu             sync.Mutex
	DroppedEvents  int64
	DropsPerTopic  map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{DropsPerTopic: make(map[string]int64)}
}

func (m *Metrics) recordDrop(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedEvents++
	m.DropsPerTopic[topic]++
}

// Snapshot returns a copy of the metrics safe for a caller to read freely.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	perTopic := make(map[string]int64, len(m.DropsPerTopic))
	for k, v := range m.DropsPerTopic {
		perTopic[k] = v
	}
	return Metrics{DroppedEvents: m.DroppedEvents, DropsPerTopic: perTopic}
}

// Bus is a per-topic fan-out with a bounded per-subscriber buffer. A
// subscriber that can't keep up is dropped-and-notified rather than
// allowed to block the publisher, mirroring the broadcaster grounding
// this is built on.
type Bus struct {
	bufferSize int
	metrics    *Metrics

	mu      sync.RWMutex
	clients map[string][]chan Event // topic -> COW client slice
}

// NewBus creates a Bus whose subscriber channels are buffered to bufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Bus{
		bufferSize: bufferSize,
		metrics:    newMetrics(),
		clients:    make(map[string][]chan Event),
	}
}

// Metrics returns the bus's drop counters.
func (b *Bus) Metrics() *Metrics { return b.metrics }

// Subscribe registers a fresh buffered channel on topic and returns it plus
// an unsubscribe function.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	existing := b.clients[topic]
	updated := make([]chan Event, len(existing), len(existing)+1)
	copy(updated, existing)
	updated = append(updated, ch)
	b.clients[topic] = updated
	b.mu.Unlock()

	unsubscribe := func() { b.unregister(topic, ch) }
	return ch, unsubscribe
}

func (b *Bus) unregister(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.clients[topic]
	updated := make([]chan Event, 0, len(existing))
	for _, c := range existing {
		if c != ch {
			updated = append(updated, c)
		}
	}
	if len(updated) == 0 {
		delete(b.clients, topic)
	} else {
		b.clients[topic] = updated
	}
}

// loadClients returns the current COW slice for topic without copying it
// further; callers must not mutate it.
func (b *Bus) loadClients(topic string) []chan Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[topic]
}

// Publish fans ev out to every subscriber on its topic (ev.RootID). A
// subscriber whose buffer is full is skipped and a StreamDropped diagnostic
// is attempted (best-effort, never blocks) on that same channel.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, ch := range b.loadClients(ev.RootID) {
		select {
		case ch <- ev:
		default:
			b.metrics.recordDrop(ev.RootID)
			dropped := Event{
				Type:      TypeStreamDropped,
				RootID:    ev.RootID,
				Timestamp: time.Now(),
				Payload: map[string]any{
					"dropped_event_type": ev.Type,
					"total_drops":        b.metrics.Snapshot().DropsPerTopic[ev.RootID],
				},
			}
			select {
			case ch <- dropped:
			default:
			}
		}
	}
}

// Close closes and removes every channel still registered on topic, used
// once RunFinal/StreamEnd has been published and no more frames will
// arrive for it. Frames already buffered in a channel stay readable by its
// subscriber.
func (b *Bus) Close(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.clients[topic] {
		close(ch)
	}
	delete(b.clients, topic)
}
