package cluster

import (
	"context"
	"sort"

	"github.com/jizhuozhi/go-future"
)

// NodeAddress identifies a cluster node. It is stable for the lifetime of the
// node and two live nodes never share one.
type NodeAddress string

func (a NodeAddress) String() string {
	return string(a)
}

// ClusterView is the set of nodes known at a point in time, sorted by address.
// It is rebuilt on every membership poll and never persisted.
type ClusterView []NodeAddress

// NewClusterView builds a sorted, de-duplicated view
func NewClusterView(nodes ...NodeAddress) ClusterView {
	seen := make(map[NodeAddress]struct{}, len(nodes))
	view := make(ClusterView, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		view = append(view, n)
	}

	sort.Slice(view, func(i, j int) bool {
		return view[i] < view[j]
	})
	return view
}

// Len returns the number of nodes in the view
func (v ClusterView) Len() int {
	return len(v)
}

// Contains reports whether node is part of the view
func (v ClusterView) Contains(node NodeAddress) bool {
	i := sort.Search(len(v), func(i int) bool { return v[i] >= node })
	return i < len(v) && v[i] == node
}

// ActivationKey identifies a hosted unit by type and instance key.
type ActivationKey struct {
	Type string `json:"type" msgpack:"type"`
	Key  string `json:"key" msgpack:"key"`
}

// String returns the identity string of the unit ("type/key").
func (k ActivationKey) String() string {
	return k.Type + "/" + k.Key
}

// ActivationStat is one row of detailed activation statistics.
type ActivationStat struct {
	Key  ActivationKey `json:"key"`
	Node NodeAddress   `json:"node"`
}

// MemberInfo represents cluster member information
type MemberInfo struct {
	Address  NodeAddress `json:"address"`
	Status   string      `json:"status"`
	LastSeen int64       `json:"last_seen"`
}

// Membership returns the current cluster view. When refresh is true the
// source re-evaluates liveness before answering.
type Membership interface {
	Members(ctx context.Context, refresh bool) (ClusterView, error)
}

// StatsSource exposes the activation statistics of the hosting runtime.
type StatsSource interface {
	LocalActivationCount(ctx context.Context, node NodeAddress) (int, error)
	DetailedActivationStats(ctx context.Context, types []string, node NodeAddress) ([]ActivationStat, error)
}

// Evictor requests on-idle eviction of a unit. The returned future resolves
// to true when the unit was evicted and false when it was already gone. An
// eviction never interrupts a call that is in flight on the unit.
type Evictor interface {
	RequestEvictOnIdle(key ActivationKey) *future.Future[bool]
}
