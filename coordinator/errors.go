package coordinator

import (
	"fmt"

	"github.com/maxpert/shedder/cluster"
)

// SendError is a shed command that could not be handed to the transport
type SendError struct {
	Node cluster.NodeAddress
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send shed command to %s: %v", e.Node, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// PartialRebalanceError reports a growth tick where some commands were sent
// and others failed. The snapshot is still replaced.
type PartialRebalanceError struct {
	Sent   int
	Failed []*SendError
}

func (e *PartialRebalanceError) Error() string {
	return fmt.Sprintf("rebalance partially sent: %d sent, %d failed (first: %v)", e.Sent, len(e.Failed), e.Failed[0])
}

func (e *PartialRebalanceError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}
