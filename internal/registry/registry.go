package registry

import (
	"sync"

	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Leave reasons recorded in metrics
const (
	ReasonLeave      = "leave"
	ReasonRejoin     = "rejoin"
	ReasonDisconnect = "disconnect"
)

// Member is a live connection that can be placed in a group
type Member interface {
	// ID returns a unique, stable connection identifier
	ID() string

	// Identity returns the identity the connection currently claims, if any
	Identity() (proto.Identity, bool)

	// Deliver queues an encoded frame for the connection
	Deliver(frame []byte) error
}

// Registry maps identities to the set of connections joined under them.
// A member belongs to at most one group at a time, and a group with no
// members is removed.
type Registry struct {
	groups  map[proto.Identity]map[Member]struct{} // identity -> set of members
	members map[Member]proto.Identity              // member -> current identity
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		groups:  make(map[proto.Identity]map[Member]struct{}),
		members: make(map[Member]proto.Identity),
		logger:  log.With().Str("component", "registry").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Join places m in the group for id. A member already joined under another
// identity is moved; joining the same identity again is a no-op.
func (r *Registry) Join(id proto.Identity, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.members[m]; ok {
		if current == id {
			return
		}
		r.removeLocked(m, current)
		r.metrics.LeavesTotal.WithLabelValues(ReasonRejoin).Inc()
	}

	group, ok := r.groups[id]
	if !ok {
		group = make(map[Member]struct{})
		r.groups[id] = group
	}
	group[m] = struct{}{}
	r.members[m] = id

	r.metrics.JoinsTotal.Inc()
	r.metrics.GroupsActive.Set(float64(len(r.groups)))

	r.logger.Debug().
		Str("connection_id", m.ID()).
		Str("identity", id.String()).
		Int("group_size", len(group)).
		Msg("Connection joined group")
}

// Leave removes m from whatever group it belongs to. It reports the identity
// it was removed from, or false if m was not a member of any group.
func (r *Registry) Leave(m Member) (proto.Identity, bool) {
	return r.leave(m, ReasonLeave)
}

// Disconnect is Leave for a connection that is going away
func (r *Registry) Disconnect(m Member) (proto.Identity, bool) {
	return r.leave(m, ReasonDisconnect)
}

func (r *Registry) leave(m Member, reason string) (proto.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.members[m]
	if !ok {
		return "", false
	}
	r.removeLocked(m, id)

	r.metrics.LeavesTotal.WithLabelValues(reason).Inc()
	r.metrics.GroupsActive.Set(float64(len(r.groups)))

	r.logger.Debug().
		Str("connection_id", m.ID()).
		Str("identity", id.String()).
		Str("reason", reason).
		Msg("Connection left group")

	return id, true
}

// removeLocked drops m from the group for id. Caller must hold r.mu.
func (r *Registry) removeLocked(m Member, id proto.Identity) {
	delete(r.members, m)
	if group, ok := r.groups[id]; ok {
		delete(group, m)
		// Clean up empty group entry
		if len(group) == 0 {
			delete(r.groups, id)
		}
	}
}

// Lookup returns a snapshot of the members currently joined under id. The
// returned slice is owned by the caller and is empty when nobody is joined.
func (r *Registry) Lookup(id proto.Identity) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group := r.groups[id]
	members := make([]Member, 0, len(group))
	for m := range group {
		members = append(members, m)
	}
	return members
}

// IdentityOf returns the identity m is currently joined under
func (r *Registry) IdentityOf(m Member) (proto.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.members[m]
	return id, ok
}

// Count returns the number of joined members and non-empty groups
func (r *Registry) Count() (members, groups int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members), len(r.groups)
}
