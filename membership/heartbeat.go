package membership

import (
	"sync"
	"time"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/telemetry"
	"github.com/rs/zerolog/log"
)

// Publisher broadcasts heartbeats to every node
type Publisher interface {
	PublishHeartbeat(hb cluster.Heartbeat) error
}

// Heartbeater announces the local node and ages out silent peers
type Heartbeater struct {
	registry    *Registry
	publisher   Publisher
	incarnation uint64
	interval    time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeartbeater creates a heartbeater for the registry's local node
func NewHeartbeater(registry *Registry, publisher Publisher, incarnation uint64, interval time.Duration) *Heartbeater {
	return &Heartbeater{
		registry:    registry,
		publisher:   publisher,
		incarnation: incarnation,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins beating immediately and then every interval
func (h *Heartbeater) Start() {
	h.wg.Add(1)
	go h.runLoop()

	log.Info().
		Str("node", h.registry.Local().String()).
		Dur("interval", h.interval).
		Msg("Heartbeater started")
}

// Stop stops the heartbeater
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
}

func (h *Heartbeater) runLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Beat()

	for {
		select {
		case <-ticker.C:
			h.Beat()
		case <-h.stopCh:
			return
		}
	}
}

// Beat publishes one heartbeat and checks peer timeouts
func (h *Heartbeater) Beat() {
	hb := cluster.Heartbeat{
		From:        h.registry.Local(),
		Incarnation: h.incarnation,
		SentAt:      time.Now().UnixMilli(),
	}

	if err := h.publisher.PublishHeartbeat(hb); err != nil {
		log.Warn().Err(err).Str("node", hb.From.String()).Msg("Failed to publish heartbeat")
	} else {
		telemetry.HeartbeatsTotal.With("sent").Inc()
	}

	h.registry.CheckTimeouts()
}
