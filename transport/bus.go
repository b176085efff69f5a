package transport

import (
	"fmt"
	"strings"

	"github.com/maxpert/shedder/cluster"
)

// DefaultSubjectPrefix is the root of every subject used by the bus
const DefaultSubjectPrefix = "shedder"

// HeartbeatHandler receives heartbeats from every node, including this one
type HeartbeatHandler func(hb cluster.Heartbeat)

// CommandHandler receives commands addressed to one node
type CommandHandler func(cmd cluster.Command)

// Bus carries one-way messages between nodes. Sends never wait for the
// receiver to act.
type Bus interface {
	PublishHeartbeat(hb cluster.Heartbeat) error
	SubscribeHeartbeats(handler HeartbeatHandler) (func(), error)
	SendCommand(to cluster.NodeAddress, cmd cluster.Command) error
	SubscribeCommands(node cluster.NodeAddress, handler CommandHandler) (func(), error)
	Close() error
}

// Subjects names the subjects of a bus
type Subjects struct {
	prefix string
}

// NewSubjects creates the subject namer. An empty prefix uses DefaultSubjectPrefix.
func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{prefix: prefix}
}

// Heartbeat is the broadcast heartbeat subject
func (s Subjects) Heartbeat() string {
	return s.prefix + ".heartbeat"
}

// Commands is the command subject of node
func (s Subjects) Commands(node cluster.NodeAddress) string {
	return fmt.Sprintf("%s.node.%s.cmd", s.prefix, sanitizeToken(string(node)))
}

// sanitizeToken turns an address into a single subject token. Subject tokens
// can't contain ".", whitespace or the "*" and ">" wildcards.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	result := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.', ':', '*', '>', ' ', '\t', '\r', '\n':
			result[i] = '_'
		default:
			result[i] = c
		}
	}
	return string(result)
}
