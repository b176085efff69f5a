package cluster

import "fmt"

// CommandKind is the type of a one-way message sent to a node's shedder
type CommandKind uint8

const (
	// CommandInitialize asks the node to make sure its shedder is running
	CommandInitialize CommandKind = iota + 1
	// CommandShed asks the node to shed Fraction of its local activations
	CommandShed
)

func (k CommandKind) String() string {
	switch k {
	case CommandInitialize:
		return "initialize"
	case CommandShed:
		return "shed"
	default:
		return fmt.Sprintf("command(%d)", uint8(k))
	}
}

// Command is a fire-and-forget instruction for a node. Senders never wait
// for a reply.
type Command struct {
	Kind     CommandKind `msgpack:"kind" json:"kind"`
	Fraction float64     `msgpack:"fraction,omitempty" json:"fraction,omitempty"`
	From     NodeAddress `msgpack:"from" json:"from"`
}

// Heartbeat announces that a node is alive. Incarnation is fixed for the
// lifetime of a process and grows across restarts.
type Heartbeat struct {
	From        NodeAddress `msgpack:"from" json:"from"`
	Incarnation uint64      `msgpack:"incarnation" json:"incarnation"`
	SentAt      int64       `msgpack:"sent_at" json:"sent_at"`
}
