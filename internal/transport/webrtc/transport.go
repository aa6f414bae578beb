package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

// Outbox sends a signaling message without blocking. It must be safe for
// concurrent use.
type Outbox interface {
	Send(to string, msg protocol.Message) error
}

// Dialer opens one data channel per transfer, negotiated with
// transfer.signal messages.
type Dialer struct {
	api    *webrtc.API
	config webrtc.Configuration
	out    Outbox
	events chan<- transport.Event
	log    *logrus.Logger
	done   chan struct{}

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(config webrtc.Configuration, out Outbox, events chan<- transport.Event, log *logrus.Logger) (*Dialer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	return &Dialer{
		api:    api,
		config: config,
		out:    out,
		events: events,
		log:    logger.OrDiscard(log),
		done:   make(chan struct{}),
		conns:  make(map[string]*connection),
	}, nil
}

func connKey(transferID, peerID string) string {
	return transferID + "/" + peerID
}

// Dial creates the data channel for transferID and sends the offer to
// peerID, who must have called Accept for the same transfer.
func (d *Dialer) Dial(transferID, peerID string) (transport.Conn, error) {
	c, err := d.newConnection(transferID, peerID, true)
	if err != nil {
		return nil, err
	}

	dc, err := c.pc.CreateDataChannel("transfer-"+transferID, dataChannelInit())
	if err != nil {
		d.drop(c)
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		d.drop(c)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		d.drop(c)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := d.out.Send(peerID, &protocol.TransferSignal{
		TransferID: transferID,
		Kind:       protocol.SignalOffer,
		SDP:        offer.SDP,
	}); err != nil {
		d.drop(c)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}
	return c, nil
}

// Accept prepares to answer peerID's offer for transferID.
func (d *Dialer) Accept(transferID, peerID string) (transport.Conn, error) {
	c, err := d.newConnection(transferID, peerID, false)
	if err != nil {
		return nil, err
	}
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.setupDataChannel(dc)
	})
	return c, nil
}

func (d *Dialer) newConnection(transferID, peerID string, initiator bool) (*connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	key := connKey(transferID, peerID)
	if old, ok := d.conns[key]; ok {
		go func() { _ = old.Close() }()
	}

	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	c := newConnection(d, transferID, peerID, pc, initiator)
	d.conns[key] = c
	return c, nil
}

func (d *Dialer) drop(c *connection) {
	_ = c.Close()
}

func (d *Dialer) forget(c *connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := connKey(c.transferID, c.peerID)
	if d.conns[key] == c {
		delete(d.conns, key)
	}
}

// HandleSignal applies a transfer.signal message from peer from.
func (d *Dialer) HandleSignal(from string, m *protocol.TransferSignal) error {
	d.mu.Lock()
	c, ok := d.conns[connKey(m.TransferID, from)]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no data channel for transfer %s with %s", m.TransferID, from)
	}
	return c.handleSignal(m)
}

func (d *Dialer) emit(ev transport.Event) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *Dialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := make([]*connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.conns = make(map[string]*connection)
	d.mu.Unlock()

	close(d.done)
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
