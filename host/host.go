package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/policy"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrUnknownType is returned when a call targets a type that was never registered
var ErrUnknownType = errors.New("unknown activation type")

// Handler is the body of a call on an activation
type Handler func(ctx context.Context, act *Activation) error

// Interceptor wraps every inbound call. It must call next exactly once.
type Interceptor func(ctx context.Context, act *Activation, next Handler) error

// TypeSpec describes a registered unit type
type TypeSpec struct {
	Name        string
	Sheddable   bool
	Priority    policy.Priority
	HasPriority bool
}

// Option configures a TypeSpec at registration
type Option func(*TypeSpec)

// Sheddable marks the type as eligible for eviction with the default priority
func Sheddable() Option {
	return func(s *TypeSpec) {
		s.Sheddable = true
	}
}

// SheddableWithPriority marks the type as eligible with an explicit priority
func SheddableWithPriority(p policy.Priority) Option {
	return func(s *TypeSpec) {
		s.Sheddable = true
		s.Priority = p
		s.HasPriority = true
	}
}

// Host is an in-memory hosting runtime for a single node. It owns every
// activation it creates; other components only hold keys or weak references.
type Host struct {
	node         cluster.NodeAddress
	types        map[string]TypeSpec
	typesMu      sync.RWMutex
	activations  *xsync.MapOf[cluster.ActivationKey, *Activation]
	interceptors []Interceptor
	icMu         sync.RWMutex

	activated   atomic.Int64
	deactivated atomic.Int64
}

// New creates an empty host for node
func New(node cluster.NodeAddress) *Host {
	return &Host{
		node:        node,
		types:       make(map[string]TypeSpec),
		activations: xsync.NewMapOf[cluster.ActivationKey, *Activation](),
	}
}

// Node returns the address of the node this host runs on
func (h *Host) Node() cluster.NodeAddress {
	return h.node
}

// RegisterType makes a unit type callable on this host
func (h *Host) RegisterType(name string, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("type name is required")
	}

	spec := TypeSpec{Name: name}
	for _, opt := range opts {
		opt(&spec)
	}

	h.typesMu.Lock()
	defer h.typesMu.Unlock()

	if _, exists := h.types[name]; exists {
		return fmt.Errorf("type %q already registered", name)
	}
	h.types[name] = spec
	return nil
}

// DeclaredTypes lists registered types with their shedding marker, sorted by name
func (h *Host) DeclaredTypes() []policy.Declaration {
	h.typesMu.RLock()
	defer h.typesMu.RUnlock()

	out := make([]policy.Declaration, 0, len(h.types))
	for _, spec := range h.types {
		out = append(out, policy.Declaration{
			Type:        spec.Name,
			Sheddable:   spec.Sheddable,
			Priority:    spec.Priority,
			HasPriority: spec.HasPriority,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type < out[j].Type
	})
	return out
}

// Use appends an interceptor to the call chain
func (h *Host) Use(ic Interceptor) {
	h.icMu.Lock()
	h.interceptors = append(h.interceptors, ic)
	h.icMu.Unlock()
}

// Invoke runs fn on the activation for key, creating it on demand
func (h *Host) Invoke(ctx context.Context, key cluster.ActivationKey, fn Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.typesMu.RLock()
	_, known := h.types[key.Type]
	h.typesMu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownType, key.Type)
	}

	if fn == nil {
		fn = func(context.Context, *Activation) error { return nil }
	}

	act := h.acquire(key)
	defer h.release(act)

	h.icMu.RLock()
	chain := fn
	for i := len(h.interceptors) - 1; i >= 0; i-- {
		ic := h.interceptors[i]
		next := chain
		chain = func(ctx context.Context, a *Activation) error {
			return ic(ctx, a, next)
		}
	}
	h.icMu.RUnlock()

	return chain(ctx, act)
}

// acquire returns a live activation for key with its in-flight count raised
func (h *Host) acquire(key cluster.ActivationKey) *Activation {
	for {
		act, loaded := h.activations.LoadOrCompute(key, func() *Activation {
			return newActivation(h, key)
		})
		if !loaded {
			h.activated.Add(1)
			log.Debug().Str("node", string(h.node)).Stringer("activation", key).Msg("Activated")
		}

		act.mu.Lock()
		if act.evicted {
			act.mu.Unlock()
			continue
		}
		act.inflight++
		act.lastUsed = time.Now()
		act.mu.Unlock()
		return act
	}
}

func (h *Host) release(act *Activation) {
	act.mu.Lock()
	act.inflight--
	finalize := act.inflight == 0 && act.evictRequested
	if finalize {
		h.finalizeLocked(act)
	}
	act.mu.Unlock()
}

// RequestEvictOnIdle evicts the activation for key once no call is in flight on it
func (h *Host) RequestEvictOnIdle(key cluster.ActivationKey) *future.Future[bool] {
	act, ok := h.activations.Load(key)
	if !ok {
		p := future.NewPromise[bool]()
		p.Set(false, nil)
		return p.Future()
	}
	return h.DeactivateOnIdle(act)
}

// DeactivateOnIdle is RequestEvictOnIdle for an activation the caller already holds
func (h *Host) DeactivateOnIdle(act *Activation) *future.Future[bool] {
	p := future.NewPromise[bool]()

	act.mu.Lock()
	defer act.mu.Unlock()

	switch {
	case act.evicted:
		p.Set(false, nil)
	case act.inflight == 0:
		h.finalizeLocked(act)
		p.Set(true, nil)
	default:
		act.evictRequested = true
		act.waiters = append(act.waiters, p)
	}

	return p.Future()
}

// finalizeLocked removes act from the table. Caller must hold act.mu.
func (h *Host) finalizeLocked(act *Activation) {
	act.evicted = true
	h.activations.Compute(act.key, func(current *Activation, loaded bool) (*Activation, bool) {
		return current, !loaded || current == act
	})
	h.deactivated.Add(1)

	for _, w := range act.waiters {
		w.Set(true, nil)
	}
	act.waiters = nil

	log.Debug().Str("node", string(h.node)).Stringer("activation", act.key).Msg("Deactivated")
}

// LocalActivationCount returns the number of live activations on this node
func (h *Host) LocalActivationCount(_ context.Context, node cluster.NodeAddress) (int, error) {
	if node != h.node {
		return 0, fmt.Errorf("%w: %s", cluster.ErrNotLocal, node)
	}
	return h.activations.Size(), nil
}

// DetailedActivationStats lists live activations of the given types on this node
func (h *Host) DetailedActivationStats(_ context.Context, types []string, node cluster.NodeAddress) ([]cluster.ActivationStat, error) {
	if node != h.node {
		return nil, fmt.Errorf("%w: %s", cluster.ErrNotLocal, node)
	}

	wanted := make(map[string]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	stats := make([]cluster.ActivationStat, 0)
	h.activations.Range(func(key cluster.ActivationKey, act *Activation) bool {
		if _, ok := wanted[key.Type]; ok && !act.Evicted() {
			stats = append(stats, cluster.ActivationStat{Key: key, Node: h.node})
		}
		return true
	})
	return stats, nil
}

// LocalCount returns the number of live activations
func (h *Host) LocalCount() int {
	return h.activations.Size()
}

// Lookup returns the live activation for key, if any
func (h *Host) Lookup(key cluster.ActivationKey) (*Activation, bool) {
	return h.activations.Load(key)
}

// ActivationCount is the number of activations ever created
func (h *Host) ActivationCount() int64 {
	return h.activated.Load()
}

// DeactivationCount is the number of activations evicted so far
func (h *Host) DeactivationCount() int64 {
	return h.deactivated.Load()
}
