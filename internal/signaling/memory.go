package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/relay"
)

const memoryQueueSize = 1024

// MemoryHub connects in-process signalers through a relay.Hub. Envelopes
// still go through the wire codec.
type MemoryHub struct {
	hub   *relay.Hub
	codec *protocol.Codec
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{hub: relay.NewHub(nil), codec: protocol.NewCodec()}
}

func (h *MemoryHub) Relay() *relay.Hub {
	return h.hub
}

// Connect registers peerID and returns its signaler.
func (h *MemoryHub) Connect(peerID string) *MemorySignaler {
	s := &MemorySignaler{
		peerID:  peerID,
		hub:     h,
		inbound: make(chan Inbound, memoryQueueSize),
	}
	h.hub.Register(peerID, s)
	return s
}

type MemorySignaler struct {
	peerID string
	hub    *MemoryHub

	mu      sync.Mutex
	closed  bool
	inbound chan Inbound
}

var _ Signaler = (*MemorySignaler)(nil)

func (s *MemorySignaler) Send(to string, msg protocol.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrUnavailable
	}

	env, err := s.hub.codec.Seal(to, msg)
	if err != nil {
		return err
	}
	s.hub.hub.Route(s.peerID, env)
	return nil
}

// Deliver implements relay.Sink.
func (s *MemorySignaler) Deliver(env protocol.Envelope) bool {
	msg, err := s.hub.codec.Open(env)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.inbound <- Inbound{From: env.From, Msg: msg}:
		return true
	default:
		return false
	}
}

func (s *MemorySignaler) Inbound() <-chan Inbound {
	return s.inbound
}

func (s *MemorySignaler) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects the signaler; peers see it leave its groups.
func (s *MemorySignaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("signaler %s already closed", s.peerID)
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.hub.Unregister(s.peerID, s)
	return nil
}
