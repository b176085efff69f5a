package shedder

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects where eviction candidates come from
type Strategy int

const (
	// StrategyPoll reads candidates from the runtime's detailed statistics
	StrategyPoll Strategy = iota
	// StrategyIntercept reads candidates from the activation tracker and
	// hands any shortfall to its pending eviction counter
	StrategyIntercept
)

func (s Strategy) String() string {
	switch s {
	case StrategyPoll:
		return "poll"
	case StrategyIntercept:
		return "intercept"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses "poll" or "intercept"
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "poll":
		return StrategyPoll, nil
	case "intercept":
		return StrategyIntercept, nil
	default:
		return 0, fmt.Errorf("invalid strategy %q (want poll or intercept)", s)
	}
}

// Options is the immutable tuning of a Shedder
type Options struct {
	// MinimumThreshold is the local count below which the timer never sheds
	MinimumThreshold int
	// RecoveryFloor is the count the timer sheds down to
	RecoveryFloor int
	BatchSize     int
	BatchDelay    time.Duration
	PollInterval  time.Duration
	Strategy      Strategy
	// EvictionCooldown keeps recently evicted keys out of later passes. Zero disables it.
	EvictionCooldown time.Duration
	InboxSize        int
}

// DefaultOptions returns the stock tuning
func DefaultOptions() Options {
	return Options{
		MinimumThreshold: 5000,
		RecoveryFloor:    4750,
		BatchSize:        100,
		BatchDelay:       time.Second,
		PollInterval:     10 * time.Second,
		Strategy:         StrategyPoll,
		EvictionCooldown: 30 * time.Second,
		InboxSize:        64,
	}
}

// Validate checks the options for values that would stall or invert a pass
func (o Options) Validate() error {
	if o.MinimumThreshold < 0 {
		return fmt.Errorf("minimum threshold must be >= 0")
	}
	if o.RecoveryFloor < 0 {
		return fmt.Errorf("recovery floor must be >= 0")
	}
	if o.RecoveryFloor > o.MinimumThreshold {
		return fmt.Errorf("recovery floor (%d) must not exceed minimum threshold (%d)", o.RecoveryFloor, o.MinimumThreshold)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1")
	}
	if o.BatchDelay < 0 {
		return fmt.Errorf("batch delay must be >= 0")
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	if o.EvictionCooldown < 0 {
		return fmt.Errorf("eviction cooldown must be >= 0")
	}
	if o.InboxSize < 1 {
		return fmt.Errorf("inbox size must be >= 1")
	}
	if o.Strategy != StrategyPoll && o.Strategy != StrategyIntercept {
		return fmt.Errorf("unknown strategy %v", o.Strategy)
	}
	return nil
}
