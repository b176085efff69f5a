package coordinator

import (
	"sync"
	"time"

	"github.com/maxpert/shedder/cluster"
	"github.com/rs/zerolog/log"
)

// Initializer is a component with an idempotent Initialize
type Initializer interface {
	Initialize() bool
}

// StartupTask keeps retrying Initialize on the local shedder, and on the
// coordinator once membership has settled. Every node runs a coordinator;
// ownership only decides which one sends commands. It races with explicit
// activation paths; the idempotent Initialize makes the race harmless.
type StartupTask struct {
	node        cluster.NodeAddress
	interval    time.Duration
	local       Initializer
	coordinator Initializer
	settled     func() bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStartupTask creates the retry task. coordinator and settled may be nil.
func NewStartupTask(node cluster.NodeAddress, interval time.Duration, local, coordinator Initializer, settled func() bool) *StartupTask {
	return &StartupTask{
		node:        node,
		interval:    interval,
		local:       local,
		coordinator: coordinator,
		settled:     settled,
		stopCh:      make(chan struct{}),
	}
}

// Start runs once immediately, then every interval
func (t *StartupTask) Start() {
	t.wg.Add(1)
	go t.runLoop()
}

// Stop stops the retry loop
func (t *StartupTask) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *StartupTask) runLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.RunOnce()

	for {
		select {
		case <-ticker.C:
			t.RunOnce()
		case <-t.stopCh:
			return
		}
	}
}

// RunOnce performs one retry round and reports which components it started
func (t *StartupTask) RunOnce() (localStarted, coordinatorStarted bool) {
	if t.local != nil && t.local.Initialize() {
		localStarted = true
		log.Info().Str("node", t.node.String()).Msg("Startup task initialized local shedder")
	}

	if t.coordinator == nil {
		return localStarted, false
	}
	// A baseline taken before peers have been heard from would count
	// the whole existing cluster as growth.
	if t.settled != nil && !t.settled() {
		return localStarted, false
	}
	if t.coordinator.Initialize() {
		coordinatorStarted = true
		log.Info().Str("node", t.node.String()).Msg("Startup task initialized coordinator")
	}
	return localStarted, coordinatorStarted
}
