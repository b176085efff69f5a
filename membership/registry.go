package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/telemetry"
	"github.com/rs/zerolog/log"
)

// Status is the liveness of a node as seen locally
type Status int

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "ALIVE"
	case StatusSuspect:
		return "SUSPECT"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// NodeState is one membership row
type NodeState struct {
	Address     cluster.NodeAddress
	Status      Status
	Incarnation uint64
	LastSeen    time.Time
}

// Registry tracks cluster membership from heartbeats.
//
// A node silent for longer than the suspect timeout becomes SUSPECT, and a
// SUSPECT node silent for longer than the dead timeout becomes DEAD. Any
// heartbeat revives a SUSPECT node; a DEAD node only comes back with a higher
// incarnation, i.e. after a restart.
type Registry struct {
	local          cluster.NodeAddress
	suspectTimeout time.Duration
	deadTimeout    time.Duration

	mu      sync.RWMutex
	nodes   map[cluster.NodeAddress]*NodeState
	now     func() time.Time
	started time.Time
}

// NewRegistry creates a registry that already contains the local node
func NewRegistry(local cluster.NodeAddress, incarnation uint64, suspectTimeout, deadTimeout time.Duration) *Registry {
	r := &Registry{
		local:          local,
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
		nodes:          make(map[cluster.NodeAddress]*NodeState),
		now:            time.Now,
	}
	r.started = r.now()
	r.nodes[local] = &NodeState{
		Address:     local,
		Status:      StatusAlive,
		Incarnation: incarnation,
		LastSeen:    r.now(),
	}

	log.Debug().Str("node", local.String()).Msg("Membership registry created - self added as ALIVE")
	return r
}

// Local returns the address of this node
func (r *Registry) Local() cluster.NodeAddress {
	return r.local
}

// Settled reports whether the registry has listened for at least one suspect
// timeout. By then every live peer has sent a heartbeat, so the view is no
// longer just the nodes that happened to beat first.
func (r *Registry) Settled() bool {
	return r.now().Sub(r.started) >= r.suspectTimeout
}

// Incarnation returns the incarnation a known node runs with
func (r *Registry) Incarnation(node cluster.NodeAddress) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.nodes[node]
	if !ok {
		return 0, false
	}
	return state.Incarnation, true
}

// HandleHeartbeat records a heartbeat from a peer
func (r *Registry) HandleHeartbeat(hb cluster.Heartbeat) {
	telemetry.HeartbeatsTotal.With("received").Inc()
	r.Observe(hb.From, hb.Incarnation)
}

// Observe marks node as seen with the given incarnation
func (r *Registry) Observe(node cluster.NodeAddress, incarnation uint64) {
	if node == r.local || node == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, ok := r.nodes[node]
	if !ok {
		r.nodes[node] = &NodeState{
			Address:     node,
			Status:      StatusAlive,
			Incarnation: incarnation,
			LastSeen:    now,
		}
		log.Info().Str("node", r.local.String()).Str("peer", node.String()).Msg("Node joined")
		return
	}

	switch {
	case incarnation > existing.Incarnation:
		existing.Incarnation = incarnation
		existing.LastSeen = now
		r.transitionLocked(existing, StatusAlive, "higher incarnation")
	case incarnation < existing.Incarnation:
		log.Debug().
			Str("peer", node.String()).
			Uint64("incoming_inc", incarnation).
			Uint64("existing_inc", existing.Incarnation).
			Msg("Ignoring stale heartbeat")
	case existing.Status == StatusDead:
		log.Debug().Str("peer", node.String()).Msg("Ignoring heartbeat from DEAD node with same incarnation")
	default:
		existing.LastSeen = now
		r.transitionLocked(existing, StatusAlive, "heartbeat")
	}
}

// CheckTimeouts escalates silent nodes to SUSPECT and then DEAD
func (r *Registry) CheckTimeouts() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for addr, node := range r.nodes {
		if addr == r.local {
			node.LastSeen = now
			continue
		}

		elapsed := now.Sub(node.LastSeen)
		switch node.Status {
		case StatusAlive:
			if elapsed > r.suspectTimeout {
				r.transitionLocked(node, StatusSuspect, "heartbeat timeout")
			}
		case StatusSuspect:
			if elapsed > r.deadTimeout {
				r.transitionLocked(node, StatusDead, "failure timeout")
			}
		}
	}
}

func (r *Registry) transitionLocked(node *NodeState, to Status, reason string) {
	from := node.Status
	if from == to {
		return
	}
	node.Status = to

	telemetry.NodeStateTransitionsTotal.With(from.String(), to.String()).Inc()

	ev := log.Info()
	if to != StatusAlive {
		ev = log.Warn()
	}
	ev.Str("node", r.local.String()).
		Str("peer", node.Address.String()).
		Str("old_status", from.String()).
		Str("new_status", to.String()).
		Str("reason", reason).
		Msg("Node state transition")
}

// Members returns the ALIVE and SUSPECT nodes. With refresh set, timeouts
// are evaluated first.
func (r *Registry) Members(ctx context.Context, refresh bool) (cluster.ClusterView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if refresh {
		r.CheckTimeouts()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]cluster.NodeAddress, 0, len(r.nodes))
	for addr, node := range r.nodes {
		if node.Status != StatusDead {
			nodes = append(nodes, addr)
		}
	}
	return cluster.NewClusterView(nodes...), nil
}

// Get returns a copy of a node's state
func (r *Registry) Get(node cluster.NodeAddress) (NodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.nodes[node]
	if !ok {
		return NodeState{}, false
	}
	return *state, true
}

// All returns copies of every row, sorted by address
func (r *Registry) All() []NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeState, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

// MembershipInfo returns the rows in their API shape
func (r *Registry) MembershipInfo() []cluster.MemberInfo {
	all := r.All()
	info := make([]cluster.MemberInfo, 0, len(all))
	for _, node := range all {
		info = append(info, cluster.MemberInfo{
			Address:  node.Address,
			Status:   node.Status.String(),
			LastSeen: node.LastSeen.UnixMilli(),
		})
	}
	return info
}

// StatusCounts returns the number of nodes per status
func (r *Registry) StatusCounts() map[string]int {
	counts := map[string]int{
		StatusAlive.String():   0,
		StatusSuspect.String(): 0,
		StatusDead.String():    0,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		counts[node.Status.String()]++
	}
	return counts
}
