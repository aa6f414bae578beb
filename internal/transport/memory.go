package transport

import (
	"fmt"
	"sync"
)

// MemoryNetwork connects MemoryDialers inside one process. Connections
// model a send buffer that drains as the remote side's event loop accepts
// messages, so backpressure behaves like it does on a data channel.
type MemoryNetwork struct {
	mu      sync.Mutex
	dialers map[string]*MemoryDialer
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{dialers: make(map[string]*MemoryDialer)}
}

// Dialer registers peerID and returns its dialer. Events for its
// connections are written to events.
func (n *MemoryNetwork) Dialer(peerID string, events chan<- Event) *MemoryDialer {
	d := &MemoryDialer{
		net:     n,
		peerID:  peerID,
		events:  events,
		stop:    make(chan struct{}),
		pending: make(map[string]*memConn),
	}
	n.mu.Lock()
	n.dialers[peerID] = d
	n.mu.Unlock()
	return d
}

func (n *MemoryNetwork) lookup(peerID string) (*MemoryDialer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.dialers[peerID]
	return d, ok
}

type MemoryDialer struct {
	net    *MemoryNetwork
	peerID string
	events chan<- Event
	stop   chan struct{}

	mu      sync.Mutex
	pending map[string]*memConn
	conns   []*memConn
	closed  bool
	wg      sync.WaitGroup
}

var _ Dialer = (*MemoryDialer)(nil)

func pendingKey(transferID, peerID string) string {
	return transferID + "/" + peerID
}

func (d *MemoryDialer) Accept(transferID, peerID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	c := d.newConn(transferID)
	d.pending[pendingKey(transferID, peerID)] = c
	return c, nil
}

func (d *MemoryDialer) Dial(transferID, peerID string) (Conn, error) {
	remote, ok := d.net.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("transport: peer %s not reachable", peerID)
	}

	remote.mu.Lock()
	theirs, ok := remote.pending[pendingKey(transferID, d.peerID)]
	delete(remote.pending, pendingKey(transferID, d.peerID))
	remote.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: %s is not accepting transfer %s", peerID, transferID)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	ours := d.newConn(transferID)
	d.mu.Unlock()

	done := make(chan struct{})
	once := new(sync.Once)
	theirs.mu.Lock()
	if theirs.closed {
		theirs.mu.Unlock()
		return nil, ErrClosed
	}
	theirs.peer, theirs.done, theirs.closeOnce = ours, done, once
	theirs.mu.Unlock()
	ours.mu.Lock()
	ours.peer, ours.done, ours.closeOnce = theirs, done, once
	ours.mu.Unlock()

	ours.owner.start(ours)
	theirs.owner.start(theirs)
	return ours, nil
}

// Close stops event delivery and closes every connection of this dialer.
func (d *MemoryDialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := d.conns
	d.conns = nil
	d.pending = make(map[string]*memConn)
	d.mu.Unlock()

	d.net.mu.Lock()
	if d.net.dialers[d.peerID] == d {
		delete(d.net.dialers, d.peerID)
	}
	d.net.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	close(d.stop)
	d.wg.Wait()
	return nil
}

func (d *MemoryDialer) newConn(transferID string) *memConn {
	c := &memConn{
		transferID: transferID,
		owner:      d,
		wake:       make(chan struct{}, 1),
	}
	d.conns = append(d.conns, c)
	return c
}

func (d *MemoryDialer) start(c *memConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c.pump()
	}()
}

type memConn struct {
	transferID string
	owner      *MemoryDialer
	peer       *memConn
	wake       chan struct{}
	done       chan struct{}
	closeOnce  *sync.Once

	mu       sync.Mutex
	queue    [][]byte
	buffered uint64
	lowMark  uint64
	closed   bool
}

func (c *memConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed || c.done == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, append([]byte(nil), data...))
	c.buffered += uint64(len(data))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *memConn) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *memConn) SetBufferedAmountLowThreshold(n uint64) {
	c.mu.Lock()
	c.lowMark = n
	c.mu.Unlock()
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	done, once, peer := c.done, c.closeOnce, c.peer
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	once.Do(func() {
		close(done)
	})
	peer.mu.Lock()
	peer.closed = true
	peer.mu.Unlock()
	return nil
}

// emit delivers ev to the owner's event loop. It gives up when the owner
// stops.
func (c *memConn) emit(kind EventKind, data []byte) bool {
	select {
	case c.owner.events <- Event{TransferID: c.transferID, Conn: c, Kind: kind, Data: data}:
		return true
	case <-c.owner.stop:
		return false
	}
}

func (c *memConn) pump() {
	if !c.emit(EventOpen, nil) {
		return
	}
	for {
		select {
		case <-c.wake:
		case <-c.done:
			c.emit(EventClosed, nil)
			return
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			data := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			select {
			case c.peer.owner.events <- Event{TransferID: c.transferID, Conn: c.peer, Kind: EventMessage, Data: data}:
			case <-c.peer.owner.stop:
				return
			case <-c.done:
				c.emit(EventClosed, nil)
				return
			}

			c.mu.Lock()
			before := c.buffered
			c.buffered -= uint64(len(data))
			after, low := c.buffered, c.lowMark
			c.mu.Unlock()

			if before > low && after <= low {
				if !c.emit(EventBufferedLow, nil) {
					return
				}
			}
		}
	}
}
