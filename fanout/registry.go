package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
)

// =============================================================================
// REGISTRY - live session -> rooms
// =============================================================================

// Registry is the only place room membership changes. Join, Leave and
// Publish share one lock, so membership updates are serialized and
// concurrent publishers cannot interleave within a room.
type Registry struct {
	mu      sync.Mutex
	rooms   map[Room]map[string]Session
	joined  map[string]map[Room]struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRegistry(m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:   make(map[Room]map[string]Session),
		joined:  make(map[string]map[Room]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Join adds s to room. It reports false when s was already a member.
func (r *Registry) Join(s Session, room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Session)
		r.rooms[room] = members
	}
	if _, ok := members[s.ID()]; ok {
		return false
	}
	members[s.ID()] = s

	rooms, ok := r.joined[s.ID()]
	if !ok {
		rooms = make(map[Room]struct{})
		r.joined[s.ID()] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Leave removes s from room. It reports false when s was not a member.
func (r *Registry) Leave(s Session, room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(s.ID(), room)
}

// LeaveAll removes s from every room, as on disconnect.
func (r *Registry) LeaveAll(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveAllLocked(s.ID())
}

func (r *Registry) leaveLocked(id string, room Room) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if rooms, ok := r.joined[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, id)
		}
	}
	return true
}

func (r *Registry) leaveAllLocked(id string) {
	for room := range r.joined[id] {
		r.leaveLocked(id, room)
	}
	delete(r.joined, id)
}

// Rooms lists the rooms s is joined to, sorted.
func (r *Registry) Rooms(s Session) []Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Room, 0, len(r.joined[s.ID()]))
	for room := range r.joined[s.ID()] {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Members counts the sessions in room.
func (r *Registry) Members(room Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Sessions counts distinct sessions with at least one room.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joined)
}

// =============================================================================
// PUBLISH
// =============================================================================

// Publish delivers ev to every session joined to any of rooms. A session in
// several targeted rooms receives ev once. It returns the number of
// sessions the event was handed to.
func (r *Registry) Publish(ev ledger.Event, rooms []Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var targets []Session
	add := func(members map[string]Session) {
		for id, s := range members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, s)
		}
	}
	for _, room := range rooms {
		if room == AllReferrers {
			for name, members := range r.rooms {
				if name.isReferrer() {
					add(members)
				}
			}
			continue
		}
		add(r.rooms[room])
	}

	delivered := 0
	for _, s := range targets {
		if err := s.Deliver(ev); err != nil {
			r.drop(s, ev, err)
			continue
		}
		delivered++
	}
	r.metrics.ObserveDelivered(delivered)
	return delivered
}

// drop evicts a session that refused an event. Evicted sessions are closed
// so their client reconnects and re-pulls state.
func (r *Registry) drop(s Session, ev ledger.Event, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrSessionOverflow):
		reason = "overflow"
	case errors.Is(err, ErrSessionClosed):
		reason = "closed"
	}
	r.metrics.ObserveDropped(reason)
	r.logger.Warn("fanout delivery failed",
		"session_id", s.ID(),
		"event_seq", ev.Seq,
		"event_type", ev.Type,
		"reason", reason,
		"error", err,
	)
	r.leaveAllLocked(s.ID())
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}

// Deliver publishes a committed batch in order. It makes the Registry a
// Sink for the Dispatcher and the relay consumer.
func (r *Registry) Deliver(_ context.Context, events []ledger.Event) error {
	for _, ev := range events {
		r.Publish(ev, RoomsFor(ev))
	}
	return nil
}
