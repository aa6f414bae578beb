// Package transport defines the byte channel a file transfer runs over and
// an in-process implementation of it.
package transport

import "errors"

var ErrClosed = errors.New("transport: connection closed")

// Conn is a reliable, ordered message channel dedicated to one transfer.
// Methods are safe for concurrent use.
type Conn interface {
	Send(data []byte) error
	// BufferedAmount is the number of bytes accepted by Send that have not
	// yet been handed to the network.
	BufferedAmount() uint64
	// SetBufferedAmountLowThreshold arms EventBufferedLow for when the
	// buffered amount drops to n or below.
	SetBufferedAmountLowThreshold(n uint64)
	Close() error
}

// Dialer opens transfer connections. Events for every connection it
// creates are delivered on the channel it was built with.
type Dialer interface {
	// Dial opens the sender side of transferID towards peerID.
	Dial(transferID, peerID string) (Conn, error)
	// Accept prepares the receiver side of transferID for the connection
	// peerID is about to open.
	Accept(transferID, peerID string) (Conn, error)
}

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventBufferedLow
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventBufferedLow:
		return "buffered-low"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	TransferID string
	Conn       Conn
	Kind       EventKind
	Data       []byte
	Err        error
}
