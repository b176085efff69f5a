package transport

import (
	"fmt"
	"time"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/encoding"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NatsBus implements Bus over core NATS publish/subscribe. Delivery is
// at-most-once, which is all fire-and-forget commands and heartbeats need.
type NatsBus struct {
	nc       *nats.Conn
	subjects Subjects
}

// NewNatsBus connects to url. The connection keeps retrying in the background
// so a node can boot before its broker.
func NewNatsBus(url, subjectPrefix, name string) (*NatsBus, error) {
	if url == "" {
		return nil, fmt.Errorf("nats bus requires nats_url")
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsBus{nc: nc, subjects: NewSubjects(subjectPrefix)}, nil
}

func (n *NatsBus) publish(subject string, v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishHeartbeat broadcasts hb on the heartbeat subject
func (n *NatsBus) PublishHeartbeat(hb cluster.Heartbeat) error {
	return n.publish(n.subjects.Heartbeat(), hb)
}

// SendCommand publishes cmd on the command subject of node
func (n *NatsBus) SendCommand(to cluster.NodeAddress, cmd cluster.Command) error {
	return n.publish(n.subjects.Commands(to), cmd)
}

// SubscribeHeartbeats delivers every heartbeat to handler
func (n *NatsBus) SubscribeHeartbeats(handler HeartbeatHandler) (func(), error) {
	return n.subscribe(n.subjects.Heartbeat(), heartbeatMsgHandler(handler))
}

// SubscribeCommands delivers the commands addressed to node to handler
func (n *NatsBus) SubscribeCommands(node cluster.NodeAddress, handler CommandHandler) (func(), error) {
	return n.subscribe(n.subjects.Commands(node), commandMsgHandler(node, handler))
}

func (n *NatsBus) subscribe(subject string, handler nats.MsgHandler) (func(), error) {
	sub, err := n.nc.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Msg("Subscribed")
	return func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.Debug().Err(err).Str("subject", subject).Msg("Unsubscribe failed")
		}
	}, nil
}

// Close drains subscriptions and releases the connection
func (n *NatsBus) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

func heartbeatMsgHandler(handler HeartbeatHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var hb cluster.Heartbeat
		if err := encoding.Unmarshal(m.Data, &hb); err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable heartbeat")
			return
		}
		handler(hb)
	}
}

func commandMsgHandler(node cluster.NodeAddress, handler CommandHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var cmd cluster.Command
		if err := encoding.Unmarshal(m.Data, &cmd); err != nil {
			log.Warn().Err(err).Str("node", node.String()).Str("subject", m.Subject).Msg("Dropping undecodable command")
			return
		}
		handler(cmd)
	}
}
