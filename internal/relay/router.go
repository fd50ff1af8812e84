package relay

import (
	"errors"
	"log/slog"

	"github.com/machikoi/call-relay/internal/metrics"
)

// Router fans an event out to every other member of its room.
//
// Delivery is best-effort per recipient: a failed Deliver (recipient already
// tearing down, queue full) is counted and skipped, never reported to the
// sender and never aborts the remaining fan-out.
type Router struct {
	reg     *Registry
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(reg *Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{reg: reg, log: logger, metrics: m}
}

// Registry exposes the room registry backing this router.
func (rt *Router) Registry() *Registry {
	return rt.reg
}

// Route delivers ev to all members of roomID except ev.Sender. The envelope
// is encoded once; sender identity never appears in it.
func (rt *Router) Route(roomID string, ev Event) {
	rt.metrics.Inc(metrics.EventRouted)

	msg := ev.Encode()
	for _, p := range rt.reg.Members(roomID) {
		if ev.Sender != nil && p.ID() == ev.Sender.ID() {
			continue
		}
		if err := p.Deliver(msg); err != nil {
			if errors.Is(err, ErrQueueFull) {
				rt.metrics.Inc(metrics.DropQueueFull)
			} else {
				rt.metrics.Inc(metrics.DropPeerClosed)
			}
			rt.log.Debug("signal delivery dropped",
				"room", roomID,
				"peer", p.ID(),
				"kind", ev.Kind,
				"err", err,
			)
			continue
		}
		rt.metrics.Inc(metrics.EventDelivered)
	}
}

// AnnounceJoin broadcasts the synthetic join notice for sender. It uses the
// same routing path as application events, so sender exclusion applies and
// the payload is null.
func (rt *Router) AnnounceJoin(roomID string, sender Peer) {
	rt.Route(roomID, Event{Kind: KindJoin, Sender: sender})
}

// AnnounceLeave broadcasts the synthetic leave notice for sender. Callers
// deregister sender first, so the departing session is no longer a routable
// candidate when this runs.
func (rt *Router) AnnounceLeave(roomID string, sender Peer) {
	rt.Route(roomID, Event{Kind: KindLeave, Sender: sender})
}
