// Package signaling carries protocol messages between this client and its
// peers through a relay. Delivery is best effort and ordered per peer pair;
// nothing is retained across reconnects.
package signaling

import (
	"context"
	"errors"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

// ErrUnavailable is returned by Send when the relay cannot currently take
// the message.
var ErrUnavailable = errors.New("signaling unavailable")

// Inbound is a decoded message together with the peer that sent it. From is
// empty for messages generated by the relay itself.
type Inbound struct {
	From string
	Msg  protocol.Message
}

type Signaler interface {
	// Send queues msg for peer to without blocking.
	Send(to string, msg protocol.Message) error
	Inbound() <-chan Inbound
	// Run keeps the signaler connected until ctx is done.
	Run(ctx context.Context) error
	Close() error
}
