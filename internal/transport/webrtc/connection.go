package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

// connection is one transfer's data channel and the peer connection that
// carries it.
type connection struct {
	d           *Dialer
	transferID  string
	peerID      string
	pc          *webrtc.PeerConnection
	isInitiator bool
	log         *logrus.Entry

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	lowMark    uint64
	candidates []webrtc.ICECandidateInit
	closed     bool
	closeOnce  sync.Once
}

var _ transport.Conn = (*connection)(nil)

func newConnection(d *Dialer, transferID, peerID string, pc *webrtc.PeerConnection, isInitiator bool) *connection {
	c := &connection{
		d:           d,
		transferID:  transferID,
		peerID:      peerID,
		pc:          pc,
		isInitiator: isInitiator,
		log:         d.log.WithFields(logrus.Fields{"transfer": transferID, "peer": peerID}),
	}

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		cand := candidateFromInit(ice.ToJSON())
		err := d.out.Send(peerID, &protocol.TransferSignal{
			TransferID: transferID,
			Kind:       protocol.SignalCandidate,
			Candidate:  &cand,
		})
		if err != nil {
			c.log.Warnf("Failed to send ICE candidate: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debugf("Peer Connection State has changed: %s", s)
		if s == webrtc.PeerConnectionStateFailed {
			c.emit(transport.EventError, nil, fmt.Errorf("peer connection %s", s))
		}
	})
	return c
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	if c.lowMark > 0 {
		dc.SetBufferedAmountLowThreshold(c.lowMark)
	}
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.log.Debugf("Data channel '%s'-'%d' open", dc.Label(), dc.ID())
		c.emit(transport.EventOpen, nil, nil)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emit(transport.EventMessage, msg.Data, nil)
	})
	dc.OnBufferedAmountLow(func() {
		c.emit(transport.EventBufferedLow, nil, nil)
	})
	dc.OnError(func(err error) {
		c.log.Errorf("Data channel error: %v", err)
		c.emit(transport.EventError, nil, err)
	})
	dc.OnClose(func() {
		c.log.Debugf("Data channel '%s'-'%d' closed", dc.Label(), dc.ID())
		c.emit(transport.EventClosed, nil, nil)
	})
}

func (c *connection) emit(kind transport.EventKind, data []byte, err error) {
	c.d.emit(transport.Event{
		TransferID: c.transferID,
		Conn:       c,
		Kind:       kind,
		Data:       data,
		Err:        err,
	})
}

func (c *connection) handleSignal(m *protocol.TransferSignal) error {
	switch m.Kind {
	case protocol.SignalOffer:
		if c.isInitiator {
			return fmt.Errorf("unexpected offer for dialed transfer %s", c.transferID)
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		if err := c.d.out.Send(c.peerID, &protocol.TransferSignal{
			TransferID: c.transferID,
			Kind:       protocol.SignalAnswer,
			SDP:        answer.SDP,
		}); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}
		return c.flushCandidates()

	case protocol.SignalAnswer:
		if !c.isInitiator {
			return fmt.Errorf("unexpected answer for accepted transfer %s", c.transferID)
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		return c.flushCandidates()

	case protocol.SignalCandidate:
		if m.Candidate == nil {
			return nil
		}
		cand := candidateToInit(*m.Candidate)
		c.mu.Lock()
		if c.pc.RemoteDescription() == nil {
			c.candidates = append(c.candidates, cand)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.pc.AddICECandidate(cand)
	}
	return fmt.Errorf("unknown signal kind %q", m.Kind)
}

// flushCandidates adds candidates that arrived before the remote
// description.
func (c *connection) flushCandidates() error {
	c.mu.Lock()
	pending := c.candidates
	c.candidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("failed to add ICE candidate: %w", err)
		}
	}
	return nil
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc, closed := c.dc, c.closed
	c.mu.Unlock()

	if closed || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrClosed
	}
	return dc.Send(data)
}

func (c *connection) BufferedAmount() uint64 {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

func (c *connection) SetBufferedAmountLowThreshold(n uint64) {
	c.mu.Lock()
	c.lowMark = n
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		dc.SetBufferedAmountLowThreshold(n)
	}
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		dc := c.dc
		c.mu.Unlock()

		c.d.forget(c)
		if dc != nil {
			_ = dc.Close()
		}
		err = c.pc.Close()
	})
	return err
}
