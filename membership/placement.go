package membership

import (
	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/shedder/cluster"
)

// Seniority returns the incarnation a node is currently running with, false
// when the node is unknown. Incarnations are boot timestamps, so a lower value
// means the node has been up longer.
type Seniority func(node cluster.NodeAddress) (uint64, bool)

// Placement picks the single node that hosts a cluster-wide singleton.
//
// The longest-running node owns it, so a joining node never takes the
// singleton away from its current host; ownership only moves when the owner
// leaves or restarts. Nodes with equal incarnations are ordered by rendezvous
// score. Without a Seniority source placement is pure rendezvous hashing.
type Placement struct {
	service   string
	seniority Seniority
}

// NewPlacement creates a placement for the named singleton. seniority may be nil.
func NewPlacement(service string, seniority Seniority) *Placement {
	return &Placement{service: service, seniority: seniority}
}

func (p *Placement) score(node cluster.NodeAddress) uint64 {
	return xxhash.Sum64String(p.service + "/" + string(node))
}

type candidate struct {
	node  cluster.NodeAddress
	known bool
	inc   uint64
	score uint64
}

func (p *Placement) candidate(node cluster.NodeAddress) candidate {
	c := candidate{node: node, score: p.score(node)}
	if p.seniority != nil {
		c.inc, c.known = p.seniority(node)
	}
	return c
}

// beats orders candidates: known before unknown, older before younger,
// higher score, then lower address.
func (c candidate) beats(o candidate) bool {
	if c.known != o.known {
		return c.known
	}
	if c.known && c.inc != o.inc {
		return c.inc < o.inc
	}
	if c.score != o.score {
		return c.score > o.score
	}
	return c.node < o.node
}

// Owner returns the owning node of view. It returns false for an empty view.
func (p *Placement) Owner(view cluster.ClusterView) (cluster.NodeAddress, bool) {
	var (
		best  candidate
		found bool
	)
	for _, node := range view {
		c := p.candidate(node)
		if !found || c.beats(best) {
			best, found = c, true
		}
	}
	return best.node, found
}

// IsOwner reports whether node owns the singleton in view
func (p *Placement) IsOwner(view cluster.ClusterView, node cluster.NodeAddress) bool {
	owner, ok := p.Owner(view)
	return ok && owner == node
}
