package shedder

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/policy"
	"github.com/maxpert/shedder/telemetry"
	"github.com/maxpert/shedder/tracker"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const recentEvictionsSize = 16384

const (
	TriggerTimer      = "timer"
	TriggerPercentage = "percentage"
)

// Runtime is what the shedder needs from the hosting runtime
type Runtime interface {
	cluster.StatsSource
	cluster.Evictor
}

// Config wires a Shedder to its node
type Config struct {
	Node    cluster.NodeAddress
	Runtime Runtime
	Table   *policy.Table
	// Tracker is required by StrategyIntercept and ignored otherwise
	Tracker *tracker.Tracker
	Options Options
}

// PassResult summarizes one eviction pass
type PassResult struct {
	Trigger    string        `json:"trigger"`
	LocalCount int           `json:"local_count"`
	ToEvict    int           `json:"to_evict"`
	Candidates int           `json:"candidates"`
	Skipped    int           `json:"skipped"`
	Requested  int           `json:"requested"`
	Evicted    int           `json:"evicted"`
	Gone       int           `json:"gone"`
	Failed     int           `json:"failed"`
	Batches    int           `json:"batches"`
	Deferred   int64         `json:"deferred,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time view of the shedder
type Status struct {
	Node              cluster.NodeAddress `json:"node"`
	Initialized       bool                `json:"initialized"`
	Strategy          string              `json:"strategy"`
	InflightEvictions int                 `json:"inflight_evictions"`
	LastPass          *PassResult         `json:"last_pass,omitempty"`
}

// Shedder keeps the local activation count near the recovery floor. It is
// pinned to one node and runs passes one at a time, whether they come from
// its own timer, its command inbox or a direct ShedByPercentage call.
type Shedder struct {
	node    cluster.NodeAddress
	rt      Runtime
	table   *policy.Table
	tracker *tracker.Tracker
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifecycle   sync.Mutex
	initialized atomic.Bool
	stopped     atomic.Bool
	inbox       chan cluster.Command
	passSem     chan struct{}

	inflight *xsync.MapOf[cluster.ActivationKey, struct{}]
	recent   *lru.Cache[cluster.ActivationKey, time.Time]
	lastPass atomic.Pointer[PassResult]
}

// New creates a shedder. The timer does not run until Initialize.
func New(config Config) (*Shedder, error) {
	if config.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if config.Table == nil {
		return nil, fmt.Errorf("eligibility table is required")
	}
	if err := config.Options.Validate(); err != nil {
		return nil, err
	}
	if config.Options.Strategy == StrategyIntercept && config.Tracker == nil {
		return nil, fmt.Errorf("strategy %s requires an activation tracker", StrategyIntercept)
	}

	recent, err := lru.New[cluster.ActivationKey, time.Time](recentEvictionsSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create eviction cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Shedder{
		node:     config.Node,
		rt:       config.Runtime,
		table:    config.Table,
		tracker:  config.Tracker,
		opts:     config.Options,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan cluster.Command, config.Options.InboxSize),
		passSem:  make(chan struct{}, 1),
		inflight: xsync.NewMapOf[cluster.ActivationKey, struct{}](),
		recent:   recent,
	}, nil
}

// Node returns the node this shedder is pinned to
func (s *Shedder) Node() cluster.NodeAddress {
	return s.node
}

// Initialize starts the overload timer. Only the first call on a shedder
// returns true; later and concurrent calls are no-ops returning false.
func (s *Shedder) Initialize() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stopped.Load() {
		return false
	}
	if !s.initialized.CompareAndSwap(false, true) {
		return false
	}

	s.wg.Add(1)
	go s.run()

	log.Info().
		Str("node", s.node.String()).
		Stringer("strategy", s.opts.Strategy).
		Int("minimum_threshold", s.opts.MinimumThreshold).
		Int("recovery_floor", s.opts.RecoveryFloor).
		Dur("poll_interval", s.opts.PollInterval).
		Msg("Local shedder initialized")
	return true
}

// Initialized reports whether Initialize has run
func (s *Shedder) Initialized() bool {
	return s.initialized.Load()
}

// Stop cancels the timer and any pass waiting between batches. Evictions
// already requested are left to complete.
func (s *Shedder) Stop() {
	s.lifecycle.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.lifecycle.Unlock()
		return
	}
	s.cancel()
	s.lifecycle.Unlock()

	s.wg.Wait()
	log.Info().Str("node", s.node.String()).Msg("Local shedder stopped")
}

// Deliver queues a command for the shedder's loop without blocking. It
// initializes the shedder first, and returns false when the command was
// dropped because the inbox is full or the shedder is stopped.
func (s *Shedder) Deliver(cmd cluster.Command) bool {
	if s.stopped.Load() {
		return false
	}
	s.Initialize()

	select {
	case s.inbox <- cmd:
		return true
	default:
		telemetry.CommandsDroppedTotal.Inc()
		log.Warn().
			Str("node", s.node.String()).
			Stringer("kind", cmd.Kind).
			Str("from", cmd.From.String()).
			Msg("Shedder inbox full, dropping command")
		return false
	}
}

func (s *Shedder) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CheckOverload(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Error().Err(err).Str("node", s.node.String()).Msg("Overload check failed")
			}
		case cmd := <-s.inbox:
			s.handle(cmd)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Shedder) handle(cmd cluster.Command) {
	switch cmd.Kind {
	case cluster.CommandInitialize:
		log.Debug().Str("node", s.node.String()).Str("from", cmd.From.String()).Msg("Initialize command received")
	case cluster.CommandShed:
		if _, err := s.ShedByPercentage(s.ctx, cmd.Fraction); err != nil && s.ctx.Err() == nil {
			log.Error().
				Err(err).
				Str("node", s.node.String()).
				Str("from", cmd.From.String()).
				Float64("fraction", cmd.Fraction).
				Msg("Shed command failed")
		}
	default:
		log.Warn().Str("node", s.node.String()).Stringer("kind", cmd.Kind).Msg("Ignoring unknown command")
	}
}

// ShedByPercentage evicts ceil(localCount * fraction) eligible activations.
// The fraction must be in (0, 1]; it is rejected before any statistics call.
func (s *Shedder) ShedByPercentage(ctx context.Context, fraction float64) (PassResult, error) {
	if err := cluster.ValidateFraction(fraction); err != nil {
		return PassResult{}, err
	}

	return s.pass(ctx, TriggerPercentage, func(count int) int {
		return ceilFraction(count, fraction)
	})
}

// CheckOverload is one tick of the self timer: when the local count is at
// or above the minimum threshold it sheds down to the recovery floor.
func (s *Shedder) CheckOverload(ctx context.Context) (PassResult, error) {
	return s.pass(ctx, TriggerTimer, func(count int) int {
		if count < s.opts.MinimumThreshold {
			return 0
		}
		return count - s.opts.RecoveryFloor
	})
}

func (s *Shedder) pass(ctx context.Context, trigger string, target func(count int) int) (PassResult, error) {
	if s.stopped.Load() {
		return PassResult{}, cluster.ErrStopped
	}

	select {
	case s.passSem <- struct{}{}:
	case <-ctx.Done():
		return PassResult{}, ctx.Err()
	case <-s.ctx.Done():
		return PassResult{}, cluster.ErrStopped
	}
	defer func() { <-s.passSem }()

	res := PassResult{Trigger: trigger, StartedAt: time.Now()}

	count, err := s.rt.LocalActivationCount(ctx, s.node)
	if err != nil {
		telemetry.ShedPassesTotal.With(trigger, "failed").Inc()
		return res, fmt.Errorf("local activation count: %w", err)
	}
	res.LocalCount = count
	telemetry.LocalActivations.Set(float64(count))

	res.ToEvict = max(target(count), 0)
	if res.ToEvict == 0 {
		log.Debug().
			Str("node", s.node.String()).
			Str("trigger", trigger).
			Int("local_count", count).
			Msg("Nothing to shed")
		telemetry.ShedPassesTotal.With(trigger, "idle").Inc()
		return res, nil
	}

	log.Info().
		Str("node", s.node.String()).
		Str("trigger", trigger).
		Int("local_count", count).
		Int("to_evict", res.ToEvict).
		Msg("Rebalancing started")

	err = s.evict(ctx, &res)
	res.Duration = time.Since(res.StartedAt)
	s.lastPass.Store(&res)
	telemetry.ShedPassDurationSeconds.With(trigger).Observe(res.Duration.Seconds())

	if err != nil {
		telemetry.ShedPassesTotal.With(trigger, "failed").Inc()
		return res, err
	}
	telemetry.ShedPassesTotal.With(trigger, "success").Inc()

	log.Info().
		Str("node", s.node.String()).
		Str("trigger", trigger).
		Int("local_count", count).
		Int("to_evict", res.ToEvict).
		Int("requested", res.Requested).
		Int("evicted", res.Evicted).
		Int("failed", res.Failed).
		Int("batches", res.Batches).
		Dur("duration", res.Duration).
		Msg("Rebalancing finished")
	return res, nil
}

// Status returns a snapshot for operators
func (s *Shedder) Status() Status {
	return Status{
		Node:              s.node,
		Initialized:       s.initialized.Load(),
		Strategy:          s.opts.Strategy.String(),
		InflightEvictions: s.inflight.Size(),
		LastPass:          s.lastPass.Load(),
	}
}

// ceilFraction returns ceil(count * fraction), absorbing float error so
// that e.g. 100 * 0.07 yields 7 and not 8.
func ceilFraction(count int, fraction float64) int {
	v := float64(count) * fraction
	if r := math.Round(v); math.Abs(v-r) < 1e-9 {
		return int(r)
	}
	return int(math.Ceil(v))
}
