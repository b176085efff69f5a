package transport

import (
	"github.com/maxpert/shedder/cluster"
	"github.com/rs/zerolog/log"
)

// Messenger sends commands on behalf of one node
type Messenger struct {
	bus  Bus
	from cluster.NodeAddress
}

// NewMessenger creates a messenger sending as from
func NewMessenger(bus Bus, from cluster.NodeAddress) *Messenger {
	return &Messenger{bus: bus, from: from}
}

// SendShed asks node to shed fraction of its activations
func (m *Messenger) SendShed(node cluster.NodeAddress, fraction float64) error {
	return m.bus.SendCommand(node, cluster.Command{
		Kind:     cluster.CommandShed,
		Fraction: fraction,
		From:     m.from,
	})
}

// SendInitialize asks node to make sure its shedder is running
func (m *Messenger) SendInitialize(node cluster.NodeAddress) error {
	return m.bus.SendCommand(node, cluster.Command{
		Kind: cluster.CommandInitialize,
		From: m.from,
	})
}

// CommandTarget accepts commands without blocking
type CommandTarget interface {
	Deliver(cmd cluster.Command) bool
}

// ServeCommands routes the commands addressed to node into target
func ServeCommands(bus Bus, node cluster.NodeAddress, target CommandTarget) (func(), error) {
	return bus.SubscribeCommands(node, func(cmd cluster.Command) {
		if !target.Deliver(cmd) {
			log.Debug().
				Str("node", node.String()).
				Stringer("kind", cmd.Kind).
				Str("from", cmd.From.String()).
				Msg("Command not accepted")
		}
	})
}
