package relay

import (
	"errors"
	"sync"

	"github.com/machikoi/call-relay/internal/metrics"
)

// Peer is one live connection's delivery handle.
//
// Deliver must not block: implementations enqueue to a bounded per-connection
// queue and report an error once the connection is gone. Routing treats any
// Deliver error as a per-recipient best-effort drop.
type Peer interface {
	ID() string
	Deliver(msg []byte) error
}

var (
	ErrRoomFull = errors.New("room is full")

	// ErrQueueFull is returned by Peer.Deliver when the recipient's bounded
	// send queue is saturated. Routing counts it separately from a closed
	// peer but drops the message either way.
	ErrQueueFull = errors.New("send queue full")
)

// Registry is the authoritative room id -> member set mapping, the single
// shared mutable structure in the relay.
//
// One lock covers the whole registry. Room cardinality is small (a handful of
// two-party calls), members fits in cache, and nothing under the lock does
// I/O, so per-room locking would buy nothing here.
type Registry struct {
	maxRoomMembers int
	metrics        *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]map[Peer]struct{}
}

// NewRegistry creates an empty registry. maxRoomMembers <= 0 means unlimited.
func NewRegistry(maxRoomMembers int, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		maxRoomMembers: maxRoomMembers,
		metrics:        m,
		rooms:          make(map[string]map[Peer]struct{}),
	}
}

// Join adds p to the room, creating it on first join. Re-adding a present
// member is a no-op. Returns ErrRoomFull when a member cap is configured and
// the room is already at capacity.
func (r *Registry) Join(roomID string, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Peer]struct{})
		r.rooms[roomID] = members
		r.metrics.Inc(metrics.RoomCreated)
	}
	if _, ok := members[p]; ok {
		return nil
	}
	if r.maxRoomMembers > 0 && len(members) >= r.maxRoomMembers {
		r.metrics.Inc(metrics.DropRoomFull)
		return ErrRoomFull
	}
	members[p] = struct{}{}
	return nil
}

// Leave removes p from the room. An empty room is evicted immediately so
// churn of one-off room ids cannot grow the map. Removing an absent member
// (duplicate or late disconnect notification) is a no-op.
func (r *Registry) Leave(roomID string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := members[p]; !ok {
		return
	}
	delete(members, p)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomEvicted)
	}
}

// Members returns a snapshot of the room's member set (empty when the room is
// absent). The snapshot is consistent with respect to concurrent Join/Leave;
// callers iterate it without holding any lock.
func (r *Registry) Members(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]Peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// MemberCount reports the number of members across all rooms.
func (r *Registry) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}
