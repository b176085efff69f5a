package transport

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/encoding"
	"github.com/maxpert/shedder/notify"
	"github.com/rs/zerolog/log"
)

// LocalBus is an in-process Bus for tests and single-process clusters.
// Messages are msgpack-encoded like on the wire and fanned out through a
// notify.Hub; each subscription has its own delivery goroutine.
type LocalBus struct {
	subjects Subjects
	hub      *notify.Hub[[]byte]
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewLocalBus creates an in-process bus
func NewLocalBus(bufferSize int) *LocalBus {
	return &LocalBus{
		subjects: NewSubjects(""),
		hub:      notify.NewHub[[]byte](bufferSize),
	}
}

func (b *LocalBus) publish(subject string, v interface{}) error {
	if b.closed.Load() {
		return cluster.ErrStopped
	}
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	b.hub.Signal(subject, data)
	return nil
}

// PublishHeartbeat broadcasts hb to every heartbeat subscriber
func (b *LocalBus) PublishHeartbeat(hb cluster.Heartbeat) error {
	return b.publish(b.subjects.Heartbeat(), hb)
}

// SendCommand queues cmd for the subscribers of node. A node nobody listens
// for silently drops the command.
func (b *LocalBus) SendCommand(to cluster.NodeAddress, cmd cluster.Command) error {
	return b.publish(b.subjects.Commands(to), cmd)
}

// SubscribeHeartbeats delivers every heartbeat to handler
func (b *LocalBus) SubscribeHeartbeats(handler HeartbeatHandler) (func(), error) {
	return b.subscribe(b.subjects.Heartbeat(), func(data []byte) {
		var hb cluster.Heartbeat
		if err := encoding.Unmarshal(data, &hb); err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable heartbeat")
			return
		}
		handler(hb)
	})
}

// SubscribeCommands delivers the commands addressed to node to handler
func (b *LocalBus) SubscribeCommands(node cluster.NodeAddress, handler CommandHandler) (func(), error) {
	return b.subscribe(b.subjects.Commands(node), func(data []byte) {
		var cmd cluster.Command
		if err := encoding.Unmarshal(data, &cmd); err != nil {
			log.Warn().Err(err).Str("node", node.String()).Msg("Dropping undecodable command")
			return
		}
		handler(cmd)
	})
}

func (b *LocalBus) subscribe(subject string, deliver func(data []byte)) (func(), error) {
	if b.closed.Load() {
		return nil, cluster.ErrStopped
	}

	msgs, cancel := b.hub.Subscribe(subject)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			deliver(msg.Payload)
		}
	}()
	return cancel, nil
}

// Dropped returns how many messages were dropped on full subscriptions
func (b *LocalBus) Dropped() uint64 {
	return b.hub.Dropped()
}

// Close stops every subscription and waits for deliveries in progress
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.hub.Close()
	b.wg.Wait()
	return nil
}
