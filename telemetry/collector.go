package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is the hosting runtime's view of local load
type StatsProvider interface {
	LocalCount() int
}

// TrackerStats exposes the activation tracker's counters
type TrackerStats interface {
	Len() int
	Pending() int64
}

// MemberStats exposes node counts by membership status
type MemberStats interface {
	StatusCounts() map[string]int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	stats    StatsProvider
	tracker  TrackerStats
	members  MemberStats
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Any source may be nil.
func NewMetricsCollector(stats StatsProvider, tracker TrackerStats, members MemberStats, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		stats:    stats,
		tracker:  tracker,
		members:  members,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.Collect()

	for {
		select {
		case <-ticker.C:
			mc.Collect()
		case <-mc.stopCh:
			return
		}
	}
}

// Collect updates every gauge once
func (mc *MetricsCollector) Collect() {
	if mc.stats != nil {
		LocalActivations.Set(float64(mc.stats.LocalCount()))
	}

	if mc.tracker != nil {
		TrackedActivations.Set(float64(mc.tracker.Len()))
		PendingEvictions.Set(float64(mc.tracker.Pending()))
	}

	if mc.members != nil {
		for status, count := range mc.members.StatusCounts() {
			ClusterNodes.With(status).Set(float64(count))
		}
	}
}
