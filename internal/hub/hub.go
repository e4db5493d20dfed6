package hub

import (
	"context"
	"sync"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/telemetry"
)

// EventKind identifies a push event. Subscribers must ignore kinds they do
// not know.
type EventKind string

const (
	EventTaskUpdate     EventKind = "task_update"
	EventLibraryUpdated EventKind = "library_updated"
)

// Envelope is the wire form of one push event. Data carries the full job
// snapshot for task_update and is null for library_updated.
type Envelope struct {
	Event EventKind `json:"event"`
	Data  *job.Job  `json:"data"`
}

// NewTaskUpdate builds a task_update envelope for the given snapshot.
func NewTaskUpdate(snapshot *job.Job) Envelope {
	return Envelope{Event: EventTaskUpdate, Data: snapshot}
}

// NewLibraryUpdated builds a library_updated envelope. It is a pure
// invalidation signal and carries no payload.
func NewLibraryUpdated() Envelope {
	return Envelope{Event: EventLibraryUpdated}
}

// Subscriber is one registered event consumer. Events are delivered through
// a buffered channel; the channel is closed when the subscriber is dropped
// or unsubscribed.
type Subscriber struct {
	ch    chan Envelope
	close sync.Once
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Envelope {
	return s.ch
}

func (s *Subscriber) shutdown() {
	s.close.Do(func() { close(s.ch) })
}

// Hub fans events out to every connected subscriber. Delivery is best-effort
// and unordered across subscribers: a subscriber that cannot keep up is
// dropped, never the publisher blocked. Disconnected clients reconcile
// through the authoritative list endpoint instead.
type Hub struct {
	buffer    int
	telemetry *telemetry.Telemetry

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New builds a hub whose subscribers buffer up to buffer undelivered events.
func New(buffer int, tel *telemetry.Telemetry) *Hub {
	if buffer < 1 {
		buffer = 1
	}

	return &Hub{
		buffer:    buffer,
		telemetry: tel,
		subs:      make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Envelope, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	h.telemetry.IncrementHubSubscribers()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel. It is idempotent.
// The close happens under the write lock; Publish sends while holding the
// read lock, so a send can never race the close.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, registered := h.subs[sub]
	delete(h.subs, sub)
	sub.shutdown()
	h.mu.Unlock()

	if registered {
		h.telemetry.DecrementHubSubscribers()
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Publish delivers the envelope to every current subscriber. The send into
// each subscriber's buffer never blocks; a subscriber whose buffer is full is
// dropped so one slow consumer cannot stall the rest. Sends happen under the
// read lock while Unsubscribe closes channels under the write lock, keeping
// sends and closes mutually exclusive across goroutines.
func (h *Hub) Publish(ctx context.Context, env Envelope) {
	var dropped []*Subscriber

	h.mu.RLock()
	for sub := range h.subs {
		select {
		case sub.ch <- env:
			h.telemetry.RecordHubEvent(string(env.Event), "delivered")
		default:
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	if len(dropped) == 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, sub := range dropped {
		logger.Warn("dropping slow subscriber", "event", string(env.Event))
		h.telemetry.RecordHubEvent(string(env.Event), "dropped")
		h.Unsubscribe(sub)
	}
}

// Close drops every subscriber. Used on daemon shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	count := len(h.subs)
	for sub := range h.subs {
		sub.shutdown()
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for i := 0; i < count; i++ {
		h.telemetry.DecrementHubSubscribers()
	}
}
