package metrics

import "sync"

// Counter names used across the relay. Kept as plain strings so call sites
// can also record ad-hoc events without pre-registration.
const (
	ConnAccepted     = "conn_accepted"
	ConnClosed       = "conn_closed"
	ConnAuthRejected = "conn_auth_rejected"
	RoomCreated      = "room_created"
	RoomEvicted      = "room_evicted"
	EventRouted      = "event_routed"
	EventDelivered   = "event_delivered"
	DropMalformed    = "drop_malformed"
	DropRateLimited  = "drop_rate_limited"
	DropQueueFull    = "drop_queue_full"
	DropPeerClosed   = "drop_peer_closed"
	DropRoomFull     = "drop_room_full"
	DropTooLarge     = "drop_message_too_large"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps routing/enforcement logic observable without pulling a full
// metrics client into the relay; /metrics exposes it in Prometheus' text
// exposition format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
