package tracker

import (
	"context"
	"sync/atomic"
	"weak"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/host"
	"github.com/maxpert/shedder/policy"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Deactivator evicts an activation the caller already holds
type Deactivator interface {
	DeactivateOnIdle(act *host.Activation) *future.Future[bool]
}

// Tracker records recently called eligible activations on this node.
//
// References are weak: the hosting runtime stays the sole owner and an
// activation it drops can be collected while still listed here. A positive
// pending count makes the next eligible call completions evict their
// activation instead of recording it.
//
// The tracker also holds the node's in-flight eviction claims. Call completion
// and shedder batches both claim a unit before evicting it, so a unit is never
// asked to evict twice at once.
type Tracker struct {
	table    *policy.Table
	evictor  Deactivator
	refs     *xsync.MapOf[string, weak.Pointer[host.Activation]]
	inflight *xsync.MapOf[string, struct{}]
	pending  atomic.Int64

	evicted atomic.Int64
}

// New creates a tracker for the eligible types in table
func New(table *policy.Table, evictor Deactivator) *Tracker {
	return &Tracker{
		table:   table,
		evictor: evictor,
		refs:     xsync.NewMapOf[string, weak.Pointer[host.Activation]](),
		inflight: xsync.NewMapOf[string, struct{}](),
	}
}

// Intercept is a host.Interceptor. It runs the call, then either evicts or
// records the activation, whatever the call returned.
func (t *Tracker) Intercept(ctx context.Context, act *host.Activation, next host.Handler) error {
	err := next(ctx, act)
	t.observe(act)
	return err
}

func (t *Tracker) observe(act *host.Activation) {
	if !t.table.Contains(act.Type()) {
		return
	}

	key := act.Key()
	if t.Evicting(key) {
		return
	}

	if t.pending.Load() > 0 && t.Claim(key) {
		if t.takePending() {
			// Do not wait: the current call still counts as in flight until
			// the interceptor chain returns.
			t.evictor.DeactivateOnIdle(act).Subscribe(func(bool, error) {
				t.Release(key)
			})
			t.refs.Delete(act.Identity())
			t.evicted.Add(1)
			log.Debug().
				Str("activation", act.Identity()).
				Int64("pending", t.pending.Load()).
				Msg("Evicting intercepted activation")
			return
		}
		t.Release(key)
	}

	t.refs.Store(act.Identity(), weak.Make(act))
}

// Claim marks key as being evicted. It returns false when the key is
// already claimed.
func (t *Tracker) Claim(key cluster.ActivationKey) bool {
	_, loaded := t.inflight.LoadOrStore(key.String(), struct{}{})
	return !loaded
}

// Release drops the claim on key
func (t *Tracker) Release(key cluster.ActivationKey) {
	t.inflight.Delete(key.String())
}

// Evicting reports whether key is claimed
func (t *Tracker) Evicting(key cluster.ActivationKey) bool {
	_, ok := t.inflight.Load(key.String())
	return ok
}

// takePending decrements the pending counter if it is positive
func (t *Tracker) takePending() bool {
	for {
		n := t.pending.Load()
		if n <= 0 {
			return false
		}
		if t.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// SetPending replaces the pending eviction count
func (t *Tracker) SetPending(n int64) error {
	if n < 0 {
		return cluster.ErrNegativePending
	}
	t.pending.Store(n)
	return nil
}

// Pending returns the remaining pending eviction count
func (t *Tracker) Pending() int64 {
	return t.pending.Load()
}

// InterceptEvictions returns how many activations were evicted on call completion
func (t *Tracker) InterceptEvictions() int64 {
	return t.evicted.Load()
}

// Len returns the number of stored references, including stale ones
func (t *Tracker) Len() int {
	return t.refs.Size()
}

// Snapshot returns the tracked activations that are still alive, pruning the
// references that are not.
func (t *Tracker) Snapshot() []*host.Activation {
	out := make([]*host.Activation, 0, t.refs.Size())
	t.refs.Range(func(id string, ref weak.Pointer[host.Activation]) bool {
		act := ref.Value()
		if act == nil || act.Evicted() {
			t.refs.Compute(id, func(current weak.Pointer[host.Activation], loaded bool) (weak.Pointer[host.Activation], bool) {
				return current, !loaded || current == ref
			})
			return true
		}
		out = append(out, act)
		return true
	})
	return out
}

// Stats returns Snapshot as activation statistics of node
func (t *Tracker) Stats(node cluster.NodeAddress) []cluster.ActivationStat {
	acts := t.Snapshot()
	stats := make([]cluster.ActivationStat, 0, len(acts))
	for _, act := range acts {
		stats = append(stats, cluster.ActivationStat{Key: act.Key(), Node: node})
	}
	return stats
}

// Lookup returns the live activation stored under its identity string
func (t *Tracker) Lookup(key cluster.ActivationKey) (*host.Activation, bool) {
	ref, ok := t.refs.Load(key.String())
	if !ok {
		return nil, false
	}
	act := ref.Value()
	if act == nil || act.Evicted() {
		return nil, false
	}
	return act, true
}

// Forget drops the reference stored for key
func (t *Tracker) Forget(key cluster.ActivationKey) {
	t.refs.Delete(key.String())
}
