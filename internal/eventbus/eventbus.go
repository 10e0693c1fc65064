// Package eventbus fans out per-container lifecycle, console, and stats
// events to every live subscriber (spec.md §4.3). Each container gets its
// own *Hub; a process-wide Registry hands hub handles out so a hub can
// outlive the goroutine that created it long enough to deliver a final
// exit event (spec.md §9 "cyclic ownership" design note).
package eventbus

import (
	"encoding/json"
	"sync"
)

// Kind is the event's wire tag (spec.md §4.3).
type Kind string

const (
	KindStats            Kind = "stats"
	KindConsole          Kind = "console"
	KindConsoleDuplicate Kind = "console duplicate"
	KindEvent            Kind = "event"
	KindDaemonMessage    Kind = "daemon_message"
	KindLogs             Kind = "logs"
)

// StateLabel enumerates the values the "event" kind's Data field takes
// (spec.md §4.3, constrained further by property P3 in §8).
type StateLabel string

const (
	StateInstalling StateLabel = "installing"
	StateInstalled  StateLabel = "installed"
	StateFailed     StateLabel = "failed"
	StateStarting   StateLabel = "starting"
	StateRunning    StateLabel = "running"
	StateStopping   StateLabel = "stopping"
	StateExit       StateLabel = "exit"
)

// StatsPayload is the "stats" event body.
type StatsPayload struct {
	CPUUsage    float32 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
	BlockRead   uint64  `json:"block_read"`
	BlockWrite  uint64  `json:"block_write"`
}

// Event is the envelope every subscriber receives, serialized as the
// bus's ring-buffer element (spec.md §4.3: "ring buffer... of serialized
// (JSON) events").
type Event struct {
	Kind Kind            `json:"event"`
	Data json.RawMessage `json:"data"`
}

// dataEvent builds an Event whose Data is a raw JSON string, for the
// console/event/daemon_message/logs kinds that carry a plain string.
func dataEvent(kind Kind, data string) Event {
	raw, _ := json.Marshal(data)
	return Event{Kind: kind, Data: raw}
}

// statsEvent builds the "stats" kind's structured payload.
func statsEvent(payload StatsPayload) Event {
	raw, _ := json.Marshal(payload)
	return Event{Kind: KindStats, Data: raw}
}

// subscriber is one live stream: a bounded outbound channel plus the
// closed flag guarding double-close.
type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans out events for a single container. Publish never blocks: a
// subscriber whose channel is already full is dropped rather than slowing
// down the publisher (spec.md §4.3/§5).
type Hub struct {
	mu          sync.Mutex
	ring        []Event
	ringSize    int
	backlogSize int
	subscribers map[*subscriber]struct{}
	lastStats   *StatsPayload
}

// NewHub constructs a Hub with the given ring length and per-subscriber
// backlog depth (config.EventRingSize / config.SubscriberBacklogSize).
func NewHub(ringSize, backlogSize int) *Hub {
	return &Hub{
		ringSize:    ringSize,
		backlogSize: backlogSize,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish appends event to the ring and broadcasts it to every live
// subscriber. A subscriber whose channel is full is closed and dropped —
// the slow-consumer case spec.md §4.3 calls out explicitly.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = append(h.ring, event)
	if len(h.ring) > h.ringSize {
		h.ring = h.ring[len(h.ring)-h.ringSize:]
	}

	for sub := range h.subscribers {
		select {
		case sub.ch <- event:
		default:
			sub.close()
			delete(h.subscribers, sub)
		}
	}
}

// PublishState emits the "event" kind with a state label, the sole
// producer property P3 (§8) requires.
func (h *Hub) PublishState(label StateLabel) {
	h.Publish(dataEvent(KindEvent, string(label)))
}

// PublishDaemonMessage emits an operator-readable "daemon_message".
func (h *Hub) PublishDaemonMessage(message string) {
	h.Publish(dataEvent(KindDaemonMessage, message))
}

// PublishConsole emits a raw console chunk, plus the "console duplicate"
// backward-compatibility echo spec.md §4.3 requires for older clients.
func (h *Hub) PublishConsole(data string) {
	h.Publish(dataEvent(KindConsole, data))
	h.Publish(dataEvent(KindConsoleDuplicate, data))
}

// PublishStats emits a "stats" event only when payload differs from the
// last one published for this container (spec.md §4.3: "emitted only
// when any field changes"; §8 property P4: "never repeat two consecutive
// identical payloads").
func (h *Hub) PublishStats(payload StatsPayload) {
	h.mu.Lock()
	unchanged := h.lastStats != nil && *h.lastStats == payload
	if !unchanged {
		h.lastStats = &payload
	}
	h.mu.Unlock()

	if unchanged {
		return
	}
	h.Publish(statsEvent(payload))
}

// Subscribe returns a new stream. Per spec.md §4.3, a fresh subscription
// "emits nothing by default" — history is fetched separately via
// HistorySnapshot / the logs event, not replayed automatically.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.backlogSize)}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, unsubscribe
}

// HistorySnapshot concatenates the ring's contents into a single "logs"
// event, the payload request_logs emits on demand (spec.md §4.3).
func (h *Hub) HistorySnapshot() Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var builder []byte
	for _, event := range h.ring {
		var decoded string
		if err := json.Unmarshal(event.Data, &decoded); err == nil {
			builder = append(builder, decoded...)
			builder = append(builder, '\n')
		}
	}
	return dataEvent(KindLogs, string(builder))
}

// SubscriberCount reports how many live subscriptions this hub currently
// serves. Only the eventbus tests call it (to check that a slow
// subscriber was dropped); the rebind sequence does not.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Registry is the process-wide map from internal_id to *Hub. It is the
// single point of hub ownership: RuntimeSupervisor and SubscriberGateway
// both obtain their handle from here rather than constructing or storing
// their own, so a hub is never torn down by one side while the other
// still holds a reference (spec.md §9 "cyclic ownership" note).
type Registry struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	ringSize    int
	backlogSize int
}

// NewRegistry constructs an empty Registry. Every hub it creates on demand
// shares the given ring/backlog sizing.
func NewRegistry(ringSize, backlogSize int) *Registry {
	return &Registry{
		hubs:        make(map[string]*Hub),
		ringSize:    ringSize,
		backlogSize: backlogSize,
	}
}

// HubFor returns the hub for internalID, creating one on first access.
func (r *Registry) HubFor(internalID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hub, ok := r.hubs[internalID]; ok {
		return hub
	}
	hub := NewHub(r.ringSize, r.backlogSize)
	r.hubs[internalID] = hub
	return hub
}

// Drop removes internalID's hub, used once a container is deleted and no
// further events for it will ever be published.
func (r *Registry) Drop(internalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, internalID)
}
