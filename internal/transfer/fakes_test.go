package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

// testNet delivers signaling messages and channel frames in FIFO order on
// the test goroutine, standing in for the client event loop.
type testNet struct {
	t     *testing.T
	clock *clock.Fake
	queue []func()
	peers map[string]*endpoint

	// blackhole drops every channel event.
	blackhole bool
	tamper    func(f *protocol.Frame)

	maxBuffered uint64
	chunks      []int64
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{
		t:     t,
		clock: clock.NewFake(time.Unix(1700000000, 0)),
		peers: make(map[string]*endpoint),
	}
}

func (n *testNet) push(f func()) {
	n.queue = append(n.queue, f)
}

// run delivers until nothing is queued.
func (n *testNet) run() {
	n.runUntil(func() bool { return false })
}

// runUntil delivers until cond holds or nothing is queued.
func (n *testNet) runUntil(cond func() bool) {
	n.t.Helper()
	for steps := 0; len(n.queue) > 0; steps++ {
		if cond() {
			return
		}
		if steps > 1_000_000 {
			n.t.Fatal("Network did not settle")
		}
		f := n.queue[0]
		n.queue = n.queue[1:]
		f()
	}
}

// firstChunkAfter returns the smallest chunk offset sent from index i on.
func (n *testNet) firstChunkAfter(i int) int64 {
	first := int64(-1)
	for _, off := range n.chunks[i:] {
		if first == -1 || off < first {
			first = off
		}
	}
	return first
}

type endpoint struct {
	net     *testNet
	id      string
	reg     *Registry
	store   *memStore
	pending map[string]*testConn
	down    bool

	sent     []protocol.Message
	changes  []Snapshot
	requests []Snapshot
}

type peerOptions struct {
	capability Capability
	store      *memStore
	dir        string
	config     *Config
	post       func(func())
	clock      clock.Clock
}

func (n *testNet) addPeer(id string, o peerOptions) *endpoint {
	n.t.Helper()
	if o.capability.Class == "" {
		o.capability = Capability{Class: StreamingDisk, MaxBytes: 1 << 40}
	}
	if o.store == nil {
		o.store = newMemStore()
	}
	if o.dir == "" {
		o.dir = n.t.TempDir()
	}
	if o.clock == nil {
		o.clock = n.clock
	}
	cfg := testConfig(o.dir)
	if o.config != nil {
		cfg = *o.config
	}

	e := &endpoint{
		net:     n,
		id:      id,
		store:   o.store,
		pending: make(map[string]*testConn),
	}
	e.reg = NewRegistry(Options{
		Outbox:     e,
		Dialer:     e,
		Store:      o.store,
		Clock:      o.clock,
		Post:       o.post,
		Config:     cfg,
		Capability: o.capability,
		OnChange:   func(s Snapshot) { e.changes = append(e.changes, s) },
		OnRequest:  func(s Snapshot) { e.requests = append(e.requests, s) },
	})
	n.peers[id] = e
	return e
}

func testConfig(dir string) Config {
	return Config{
		ChunkSize:          1024,
		HighWaterMark:      8 * 1024,
		LowWaterMark:       2 * 1024,
		CheckpointEvery:    4,
		CheckpointInterval: 10 * time.Second,
		StallTimeout:       30 * time.Second,
		DownloadDir:        dir,
	}
}

func (e *endpoint) Send(to string, msg protocol.Message) error {
	if e.down {
		return signaling.ErrUnavailable
	}
	e.sent = append(e.sent, msg)
	from := e.id
	e.net.push(func() {
		if p, ok := e.net.peers[to]; ok {
			p.reg.HandleMessage(from, msg)
		}
	})
	return nil
}

func (e *endpoint) count(typ protocol.MessageType) int {
	n := 0
	for _, m := range e.sent {
		if m.Type() == typ {
			n++
		}
	}
	return n
}

func (e *endpoint) snapshot(t *testing.T, id string) Snapshot {
	t.Helper()
	s, ok := e.reg.Get(id)
	if !ok {
		t.Fatalf("%s has no transfer %s", e.id, id)
	}
	return s
}

func (e *endpoint) Accept(transferID, peerID string) (transport.Conn, error) {
	c := &testConn{net: e.net, owner: e, transferID: transferID}
	e.pending[transferID+"/"+peerID] = c
	return c, nil
}

func (e *endpoint) Dial(transferID, peerID string) (transport.Conn, error) {
	remote, ok := e.net.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("peer %s not reachable", peerID)
	}
	key := transferID + "/" + e.id
	theirs, ok := remote.pending[key]
	if !ok {
		return nil, fmt.Errorf("%s is not accepting %s", peerID, transferID)
	}
	delete(remote.pending, key)

	ours := &testConn{net: e.net, owner: e, transferID: transferID, peer: theirs}
	theirs.peer = ours
	ours.deliver(transport.EventOpen, nil)
	theirs.deliver(transport.EventOpen, nil)
	return ours, nil
}

type testConn struct {
	net        *testNet
	owner      *endpoint
	transferID string
	peer       *testConn
	buffered   uint64
	low        uint64
	closed     bool
}

// deliver queues an event for the conn's own registry.
func (c *testConn) deliver(kind transport.EventKind, data []byte) {
	c.net.push(func() {
		if c.net.blackhole {
			return
		}
		if c.closed && kind != transport.EventClosed {
			return
		}
		c.owner.reg.HandleConnEvent(transport.Event{
			TransferID: c.transferID,
			Conn:       c,
			Kind:       kind,
			Data:       data,
		})
	})
}

func (c *testConn) Send(data []byte) error {
	if c.closed || c.peer == nil {
		return transport.ErrClosed
	}
	if f, err := protocol.UnmarshalFrame(data); err == nil {
		if f.Kind == protocol.FrameChunk {
			c.net.chunks = append(c.net.chunks, f.Offset)
		}
		if c.net.tamper != nil {
			c.net.tamper(&f)
			data = f.Marshal()
		}
	}

	n := uint64(len(data))
	c.buffered += n
	if c.buffered > c.net.maxBuffered {
		c.net.maxBuffered = c.buffered
	}
	peer := c.peer
	c.net.push(func() {
		if c.net.blackhole {
			return
		}
		before := c.buffered
		c.buffered -= n
		if !peer.closed {
			peer.owner.reg.HandleConnEvent(transport.Event{
				TransferID: peer.transferID,
				Conn:       peer,
				Kind:       transport.EventMessage,
				Data:       data,
			})
		}
		if !c.closed && before > c.low && c.buffered <= c.low {
			c.owner.reg.HandleConnEvent(transport.Event{TransferID: c.transferID, Conn: c, Kind: transport.EventBufferedLow})
		}
	})
	return nil
}

func (c *testConn) BufferedAmount() uint64 { return c.buffered }

func (c *testConn) SetBufferedAmountLowThreshold(n uint64) { c.low = n }

func (c *testConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.deliver(transport.EventClosed, nil)
	if c.peer != nil && !c.peer.closed {
		c.peer.closed = true
		c.peer.deliver(transport.EventClosed, nil)
	}
	return nil
}

// queuedClock hands due callbacks to the test net instead of running them,
// the way timers fire on a client event loop. Stop cannot recall a callback
// that is already queued.
type queuedClock struct {
	*clock.Fake
	net *testNet
}

func (c queuedClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.Fake.AfterFunc(d, func() { c.net.push(f) })
}

// memStore keeps checkpoints in memory and refuses to move them backwards.
type memStore struct {
	cps     map[string]Checkpoint
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[string]Checkpoint)}
}

func (s *memStore) SaveCheckpoint(cp Checkpoint) error {
	if old, ok := s.cps[cp.TransferID]; ok && old.BytesTransferred > cp.BytesTransferred {
		return nil
	}
	s.cps[cp.TransferID] = cp
	return nil
}

func (s *memStore) Checkpoints() ([]Checkpoint, error) {
	out := make([]Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	return out, nil
}

func (s *memStore) DeleteCheckpoint(id string) error {
	delete(s.cps, id)
	s.deleted = append(s.deleted, id)
	return nil
}

// zeroSource is a file of the given size that is never read.
type zeroSource struct{}

func (zeroSource) ReadAt(p []byte, _ int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (zeroSource) Close() error { return nil }

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "report.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return path, data
}
