package host

import (
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/shedder/cluster"
)

// Activation is a live unit hosted on this node
type Activation struct {
	host      *Host
	key       cluster.ActivationKey
	createdAt time.Time

	mu             sync.Mutex
	inflight       int
	lastUsed       time.Time
	evictRequested bool
	evicted        bool
	waiters        []*future.Promise[bool]
}

func newActivation(h *Host, key cluster.ActivationKey) *Activation {
	now := time.Now()
	return &Activation{
		host:      h,
		key:       key,
		createdAt: now,
		lastUsed:  now,
	}
}

// Key returns the activation key
func (a *Activation) Key() cluster.ActivationKey {
	return a.key
}

// Type returns the unit type name
func (a *Activation) Type() string {
	return a.key.Type
}

// Identity returns the identity string used to track the unit
func (a *Activation) Identity() string {
	return a.key.String()
}

// Host returns the owning host
func (a *Activation) Host() *Host {
	return a.host
}

// Evicted reports whether the activation has been removed from its host
func (a *Activation) Evicted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evicted
}

// Inflight returns the number of calls currently running on the activation
func (a *Activation) Inflight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight
}

// LastUsed returns when the last call started
func (a *Activation) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}
