// Package node runs one client: a single event loop that owns the call
// session and the transfer registry and feeds them signaling, media engine,
// transport and timer events.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

const (
	peerEventBuffer = 256
	connEventBuffer = 1024
	eventBuffer     = 256
)

var (
	ErrStopped        = errors.New("node stopped")
	ErrAlreadyRunning = errors.New("node already running")

	errSignalerClosed = errors.New("signaler closed its inbound channel")
)

type Options struct {
	LocalID  string
	Signaler signaling.Signaler
	Engine   call.Engine
	Media    call.MediaSource
	// NewDialer builds the transfer dialer. Connection events must be
	// written to events.
	NewDialer func(events chan<- transport.Event) (transport.Dialer, error)
	// Checkpoints and History may be nil.
	Checkpoints    transfer.CheckpointStore
	History        call.History
	Clock          clock.Clock
	CallConfig     call.Config
	TransferConfig transfer.Config
	Capability     transfer.Capability
	Logger         *logrus.Logger
}

// TransferSignalHandler is implemented by dialers negotiated over
// transfer.signal messages.
type TransferSignalHandler interface {
	HandleSignal(from string, m *protocol.TransferSignal) error
}

type Node struct {
	opts Options
	log  *logrus.Logger

	queue      *taskQueue
	peerEvents chan call.PeerEvent
	connEvents chan transport.Event
	events     chan Event

	session  *call.Session
	registry *transfer.Registry
	dialer   transport.Dialer

	running atomic.Bool
	stopped chan struct{}
}

func New(opts Options) (*Node, error) {
	switch {
	case opts.Signaler == nil:
		return nil, errors.New("node: signaler required")
	case opts.Engine == nil || opts.Media == nil:
		return nil, errors.New("node: media engine and source required")
	case opts.NewDialer == nil:
		return nil, errors.New("node: transfer dialer required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	n := &Node{
		opts:       opts,
		log:        logger.OrDiscard(opts.Logger),
		queue:      newTaskQueue(),
		peerEvents: make(chan call.PeerEvent, peerEventBuffer),
		connEvents: make(chan transport.Event, connEventBuffer),
		events:     make(chan Event, eventBuffer),
		stopped:    make(chan struct{}),
	}
	loop := loopClock{base: opts.Clock, queue: n.queue}

	dialer, err := opts.NewDialer(n.connEvents)
	if err != nil {
		return nil, fmt.Errorf("creating transfer dialer: %w", err)
	}
	n.dialer = dialer

	n.session = call.NewSession(call.Options{
		LocalID:    opts.LocalID,
		Engine:     opts.Engine,
		Media:      opts.Media,
		Outbox:     opts.Signaler,
		Clock:      loop,
		Post:       n.queue.post,
		PeerEvents: n.peerEvents,
		Config:     opts.CallConfig,
		Logger:     opts.Logger,
		History:    opts.History,
		OnChange: func(s call.Snapshot) {
			n.emit(Event{Kind: EventCallChanged, Call: s})
		},
		OnIncoming: func(in call.Incoming) {
			n.emit(Event{Kind: EventIncomingCall, Incoming: in})
		},
	})
	n.registry = transfer.NewRegistry(transfer.Options{
		Outbox:     opts.Signaler,
		Dialer:     dialer,
		Store:      opts.Checkpoints,
		Clock:      loop,
		Post:       n.queue.post,
		Config:     opts.TransferConfig,
		Capability: opts.Capability,
		Logger:     opts.Logger,
		OnChange: func(s transfer.Snapshot) {
			n.emit(Event{Kind: EventTransferChanged, Transfer: s})
		},
		OnRequest: func(s transfer.Snapshot) {
			n.emit(Event{Kind: EventTransferRequest, Transfer: s})
		},
	})
	return n, nil
}

// Events delivers state changes. Events are dropped while the channel is
// full.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Done is closed once the node has shut down.
func (n *Node) Done() <-chan struct{} {
	return n.stopped
}

// Run keeps the signaler connected and runs the event loop until ctx is
// cancelled or either fails. Active transfers are checkpointed and the
// call is ended before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.opts.Signaler.Run(ctx)
	})
	g.Go(func() error {
		return n.loop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) loop(ctx context.Context) error {
	defer n.shutdown()

	n.log.WithField("peer", n.opts.LocalID).Info("Node is now running...")
	if err := n.registry.Restore(); err != nil {
		n.log.Warnf("Failed to restore transfers: %v", err)
	}

	inbound := n.opts.Signaler.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				return errSignalerClosed
			}
			n.route(in)
		case ev := <-n.peerEvents:
			n.session.HandlePeerEvent(ev)
		case ev := <-n.connEvents:
			n.registry.HandleConnEvent(ev)
		case <-n.queue.wake:
			for _, f := range n.queue.drain() {
				f()
			}
		}
	}
}

func (n *Node) shutdown() {
	n.log.Info("Shutting down node...")
	n.session.EndCall(false)

	err := n.registry.Close()
	if c, ok := n.dialer.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	err = multierr.Append(err, n.opts.Signaler.Close())
	if err != nil {
		n.log.Errorf("Shutdown: %v", err)
	}
	close(n.stopped)
	n.log.Info("Node stopped")
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.log.WithField("event", ev.Kind).Debug("Event buffer full, dropping event")
	}
}
