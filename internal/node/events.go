package node

import (
	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
)

type EventKind int

const (
	EventCallChanged EventKind = iota + 1
	EventIncomingCall
	EventTransferChanged
	EventTransferRequest
)

func (k EventKind) String() string {
	switch k {
	case EventCallChanged:
		return "call-changed"
	case EventIncomingCall:
		return "incoming-call"
	case EventTransferChanged:
		return "transfer-changed"
	case EventTransferRequest:
		return "transfer-request"
	default:
		return "unknown"
	}
}

// Event is a state change for the user interface. Only the field matching
// Kind is set.
type Event struct {
	Kind     EventKind
	Call     call.Snapshot
	Incoming call.Incoming
	Transfer transfer.Snapshot
}
