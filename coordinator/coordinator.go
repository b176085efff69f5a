package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/telemetry"
	"github.com/rs/zerolog/log"
)

// Messenger sends one-way commands. Neither call waits for the target to act
// on the command.
type Messenger interface {
	SendShed(node cluster.NodeAddress, fraction float64) error
	SendInitialize(node cluster.NodeAddress) error
}

// Options is the immutable tuning of a Coordinator
type Options struct {
	// RebalanceFraction is sent to every pre-existing node on growth, in (0, 1]
	RebalanceFraction float64
	PollInterval      time.Duration
}

// DefaultOptions returns the stock tuning
func DefaultOptions() Options {
	return Options{
		RebalanceFraction: 0.33,
		PollInterval:      10 * time.Second,
	}
}

// Validate rejects a fraction outside (0, 1] and a non-positive interval
func (o Options) Validate() error {
	if err := cluster.ValidateFraction(o.RebalanceFraction); err != nil {
		return fmt.Errorf("rebalance fraction: %w", err)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("growth poll interval must be > 0")
	}
	return nil
}

// Config wires a Coordinator
type Config struct {
	Node       cluster.NodeAddress
	Membership cluster.Membership
	Messenger  Messenger
	Options    Options
	// IsOwner reports whether this node hosts the active coordinator for a
	// view. A non-owner keeps its snapshot current but sends nothing, so it
	// can take over with an up to date baseline. Nil means always owner.
	IsOwner func(view cluster.ClusterView) bool
}

// TickResult describes one growth check
type TickResult struct {
	Previous  int                   `json:"previous"`
	Current   int                   `json:"current"`
	Growth    bool                  `json:"growth"`
	Owner     bool                  `json:"owner"`
	Skipped   bool                  `json:"skipped,omitempty"`
	Commanded []cluster.NodeAddress `json:"commanded,omitempty"`
	Joined    []cluster.NodeAddress `json:"joined,omitempty"`
}

// Status is a point-in-time view of the coordinator
type Status struct {
	Node        cluster.NodeAddress `json:"node"`
	Initialized bool                `json:"initialized"`
	Owner       bool                `json:"owner"`
	Snapshot    cluster.ClusterView `json:"snapshot"`
}

// Coordinator watches membership for growth and asks every node of the
// previous view to shed a fixed fraction of its activations.
type Coordinator struct {
	node       cluster.NodeAddress
	membership cluster.Membership
	messenger  Messenger
	opts       Options
	isOwner    func(view cluster.ClusterView) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifecycle   sync.Mutex
	initialized atomic.Bool
	stopped     atomic.Bool

	// mu makes the snapshot read-then-replace of a tick a single step
	mu       sync.Mutex
	snapshot cluster.ClusterView
	checking atomic.Bool
}

// New creates a coordinator. Nothing runs until Initialize.
func New(config Config) (*Coordinator, error) {
	if config.Membership == nil {
		return nil, fmt.Errorf("membership is required")
	}
	if config.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if err := config.Options.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		node:       config.Node,
		membership: config.Membership,
		messenger:  config.Messenger,
		opts:       config.Options,
		isOwner:    config.IsOwner,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Initialize takes the first membership snapshot and starts the growth
// timer. Only the first call on a coordinator returns true; later and
// concurrent calls are no-ops returning false.
func (c *Coordinator) Initialize() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.stopped.Load() {
		return false
	}
	if !c.initialized.CompareAndSwap(false, true) {
		return false
	}

	view, err := c.membership.Members(c.ctx, true)
	if err != nil {
		// The first tick that succeeds becomes the baseline.
		log.Warn().Err(err).Str("node", c.node.String()).Msg("Coordinator could not read initial membership")
	}

	c.mu.Lock()
	c.snapshot = view
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()

	log.Info().
		Str("node", c.node.String()).
		Int("cluster_size", view.Len()).
		Float64("fraction", c.opts.RebalanceFraction).
		Dur("poll_interval", c.opts.PollInterval).
		Msg("Coordinator initialized")
	return true
}

// Initialized reports whether Initialize has run
func (c *Coordinator) Initialized() bool {
	return c.initialized.Load()
}

// Stop cancels the growth timer
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	if !c.stopped.CompareAndSwap(false, true) {
		c.lifecycle.Unlock()
		return
	}
	c.cancel()
	c.lifecycle.Unlock()

	c.wg.Wait()
	log.Info().Str("node", c.node.String()).Msg("Coordinator stopped")
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Check(c.ctx); err != nil && c.ctx.Err() == nil {
				log.Error().Err(err).Str("node", c.node.String()).Msg("Growth check failed")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Check runs one growth check. A check that overlaps another one returns
// immediately with Skipped set.
func (c *Coordinator) Check(ctx context.Context) (TickResult, error) {
	if !c.checking.CompareAndSwap(false, true) {
		return TickResult{Skipped: true}, nil
	}
	defer c.checking.Store(false)

	view, err := c.membership.Members(ctx, true)
	if err != nil {
		return TickResult{}, fmt.Errorf("cluster members: %w", err)
	}

	c.mu.Lock()
	previous := c.snapshot
	c.snapshot = view
	c.mu.Unlock()

	res := TickResult{
		Previous: previous.Len(),
		Current:  view.Len(),
		Owner:    c.owns(view),
	}
	if view.Len() <= previous.Len() {
		return res, nil
	}

	res.Growth = true
	telemetry.ClusterGrowthEventsTotal.Inc()

	if !res.Owner {
		log.Debug().
			Str("node", c.node.String()).
			Int("previous", res.Previous).
			Int("current", res.Current).
			Msg("Cluster grew, not the coordinator owner")
		return res, nil
	}

	log.Info().
		Str("node", c.node.String()).
		Int("previous", res.Previous).
		Int("current", res.Current).
		Float64("fraction", c.opts.RebalanceFraction).
		Msg("Cluster grew, requesting rebalance")

	var failed []*SendError
	for _, node := range previous {
		if err := c.messenger.SendShed(node, c.opts.RebalanceFraction); err != nil {
			failed = append(failed, &SendError{Node: node, Err: err})
			telemetry.RebalanceCommandsTotal.With("failed").Inc()
			continue
		}
		res.Commanded = append(res.Commanded, node)
		telemetry.RebalanceCommandsTotal.With("sent").Inc()
	}

	// Joiners get a one-way nudge to start their shedder. Their startup task
	// retries anyway, so a lost nudge only delays them.
	for _, node := range view {
		if previous.Contains(node) {
			continue
		}
		res.Joined = append(res.Joined, node)
		if err := c.messenger.SendInitialize(node); err != nil {
			log.Warn().Err(err).Str("node", c.node.String()).Str("peer", node.String()).Msg("Initialize command failed")
		}
	}

	if len(failed) > 0 {
		return res, &PartialRebalanceError{Sent: len(res.Commanded), Failed: failed}
	}
	return res, nil
}

func (c *Coordinator) owns(view cluster.ClusterView) bool {
	if c.isOwner == nil {
		return true
	}
	return c.isOwner(view)
}

// Snapshot returns a copy of the current baseline view
func (c *Coordinator) Snapshot() cluster.ClusterView {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(cluster.ClusterView, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// Status returns a snapshot for operators
func (c *Coordinator) Status() Status {
	snap := c.Snapshot()
	return Status{
		Node:        c.node,
		Initialized: c.initialized.Load(),
		Owner:       c.owns(snap),
		Snapshot:    snap,
	}
}
