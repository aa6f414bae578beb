package node

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/db"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
	"github.com/rudransh-shrivastava/peer-call/internal/store"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine reports a link as connected as soon as both descriptions are
// applied on its side.
type fakeEngine struct{}

func (fakeEngine) NewPeer(peerID string, events chan<- call.PeerEvent) (call.PeerHandle, error) {
	return &fakePeer{peerID: peerID, events: events}, nil
}

type fakePeer struct {
	peerID string
	events chan<- call.PeerEvent
}

func (p *fakePeer) connected() {
	select {
	case p.events <- call.PeerEvent{PeerID: p.peerID, Handle: p, Kind: call.EventConnectivity, State: call.ConnectivityConnected}:
	default:
	}
}

func (p *fakePeer) CreateOffer(bool) (string, error) { return "offer", nil }

func (p *fakePeer) CreateAnswer() (string, error) {
	p.connected()
	return "answer", nil
}

func (p *fakePeer) SetRemoteOffer(string) error { return nil }

func (p *fakePeer) SetRemoteAnswer(string) error {
	p.connected()
	return nil
}

func (p *fakePeer) Rollback() error                             { return nil }
func (p *fakePeer) AddICECandidate(protocol.ICECandidate) error { return nil }
func (p *fakePeer) AddStream(*call.LocalStream) error           { return nil }
func (p *fakePeer) ReplaceVideoTrack(call.Track) (bool, error)  { return false, nil }
func (p *fakePeer) Close() error                                { return nil }

type fakeTrack struct{ kind string }

func (t fakeTrack) ID() string    { return t.kind }
func (t fakeTrack) Kind() string  { return t.kind }
func (fakeTrack) SetEnabled(bool) {}
func (fakeTrack) Stop()           {}

type fakeMedia struct{}

func (fakeMedia) Acquire(_ context.Context, kind protocol.MediaKind, done func(*call.LocalStream, error)) {
	s := &call.LocalStream{Audio: fakeTrack{"audio"}}
	if kind == protocol.MediaVideo {
		s.Video = fakeTrack{"video"}
	}
	done(s, nil)
}

func (fakeMedia) AcquireScreen(_ context.Context, done func(call.Track, error)) {
	done(fakeTrack{"screen"}, nil)
}

type testPeer struct {
	t     *testing.T
	id    string
	node  *Node
	calls *store.CallStore
	dir   string

	cancel   context.CancelFunc
	errc     chan error
	stopOnce sync.Once
}

func startPeer(t *testing.T, hub *signaling.MemoryHub, network *transport.MemoryNetwork, id string) *testPeer {
	t.Helper()
	gdb, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })

	dir := t.TempDir()
	cfg := transfer.DefaultConfig()
	cfg.DownloadDir = dir
	calls := store.NewCallStore(gdb)

	n, err := New(Options{
		LocalID:  id,
		Signaler: hub.Connect(id),
		Engine:   fakeEngine{},
		Media:    fakeMedia{},
		NewDialer: func(events chan<- transport.Event) (transport.Dialer, error) {
			return network.Dialer(id, events), nil
		},
		Checkpoints:    store.NewCheckpointStore(gdb),
		History:        calls,
		TransferConfig: cfg,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &testPeer{t: t, id: id, node: n, calls: calls, dir: dir, cancel: cancel, errc: make(chan error, 1)}
	go func() { p.errc <- n.Run(ctx) }()
	t.Cleanup(p.stop)
	return p
}

func (p *testPeer) stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		select {
		case err := <-p.errc:
			if err != nil {
				p.t.Errorf("%s: Run returned %v", p.id, err)
			}
		case <-time.After(5 * time.Second):
			p.t.Errorf("%s: timed out waiting for shutdown", p.id)
		}
	})
}

func (p *testPeer) waitFor(what string, match func(Event) bool) Event {
	p.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.node.Events():
			if match(ev) {
				return ev
			}
		case <-timeout:
			p.t.Fatalf("%s: timed out waiting for %s", p.id, what)
			return Event{}
		}
	}
}

// eventually polls cond on the node's loop until it holds.
func (p *testPeer) eventually(what string, cond func(call.Snapshot) bool) {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := p.node.CallSnapshot(context.Background())
		if err != nil {
			p.t.Fatalf("%s: CallSnapshot failed: %v", p.id, err)
		}
		if cond(snap) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.t.Fatalf("%s: timed out waiting for %s", p.id, what)
}

func callStatus(status call.Status) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == EventCallChanged && ev.Call.Status == status
	}
}

func transferState(id string, state transfer.State) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == EventTransferChanged && ev.Transfer.ID == id && ev.Transfer.State == state
	}
}

func TestDirectCall(t *testing.T) {
	hub, network := signaling.NewMemoryHub(), transport.NewMemoryNetwork()
	alice := startPeer(t, hub, network, "alice")
	bob := startPeer(t, hub, network, "bob")
	ctx := context.Background()

	if err := alice.node.StartCall(ctx, "bob", protocol.MediaVideo); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	bob.waitFor("incoming call", func(ev Event) bool {
		return ev.Kind == EventIncomingCall && ev.Incoming.PeerID == "alice"
	})
	if err := bob.node.AcceptIncoming(ctx); err != nil {
		t.Fatalf("AcceptIncoming failed: %v", err)
	}
	alice.waitFor("connected call", callStatus(call.StatusConnected))
	bob.waitFor("connected call", callStatus(call.StatusConnected))

	if err := alice.node.StartCall(ctx, "bob", protocol.MediaAudio); !errors.Is(err, call.ErrAlreadyInCall) {
		t.Errorf("expected ErrAlreadyInCall, got %v", err)
	}

	before, _ := alice.node.CallSnapshot(ctx)
	if err := alice.node.ToggleAudio(ctx); err != nil {
		t.Fatalf("ToggleAudio failed: %v", err)
	}
	after, _ := alice.node.CallSnapshot(ctx)
	if after.Local.AudioEnabled == before.Local.AudioEnabled {
		t.Error("expected audio to toggle")
	}

	if err := alice.node.EndCall(ctx); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	bob.waitFor("idle session", callStatus(call.StatusIdle))

	for _, p := range []*testPeer{alice, bob} {
		recs, err := p.calls.RecentCalls(0)
		if err != nil {
			t.Fatalf("RecentCalls failed: %v", err)
		}
		if len(recs) != 1 || recs[0].Outcome != "ended" || recs[0].Kind != call.KindDirect {
			t.Errorf("%s: unexpected history %+v", p.id, recs)
		}
	}
}

func TestRejectedCall(t *testing.T) {
	hub, network := signaling.NewMemoryHub(), transport.NewMemoryNetwork()
	alice := startPeer(t, hub, network, "alice")
	bob := startPeer(t, hub, network, "bob")
	ctx := context.Background()

	if err := bob.node.AcceptIncoming(ctx); !errors.Is(err, call.ErrNoIncomingCall) {
		t.Errorf("expected ErrNoIncomingCall, got %v", err)
	}
	if err := alice.node.StartCall(ctx, "bob", protocol.MediaAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	bob.waitFor("incoming call", func(ev Event) bool { return ev.Kind == EventIncomingCall })
	if err := bob.node.RejectIncoming(ctx); err != nil {
		t.Fatalf("RejectIncoming failed: %v", err)
	}

	ev := alice.waitFor("ended call", callStatus(call.StatusEnded))
	if !errors.Is(ev.Call.Err, call.ErrUserRejected) {
		t.Errorf("expected ErrUserRejected, got %v", ev.Call.Err)
	}
	recs, _ := alice.calls.RecentCalls(0)
	if len(recs) != 1 || recs[0].Outcome != "rejected" || recs[0].PeerID != "bob" {
		t.Errorf("unexpected history %+v", recs)
	}
}

func TestUnknownPeerFailsPendingOperations(t *testing.T) {
	hub, network := signaling.NewMemoryHub(), transport.NewMemoryNetwork()
	alice := startPeer(t, hub, network, "alice")
	ctx := context.Background()

	if err := alice.node.StartCall(ctx, "carol", protocol.MediaAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	ev := alice.waitFor("failed call", callStatus(call.StatusFailed))
	if !errors.Is(ev.Call.Err, call.ErrSignalingUnavailable) {
		t.Errorf("expected ErrSignalingUnavailable, got %v", ev.Call.Err)
	}

	path := filepath.Join(alice.dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := alice.node.ProposeFile(ctx, "carol", path)
	if err != nil {
		t.Fatalf("ProposeFile failed: %v", err)
	}
	ev = alice.waitFor("failed transfer", transferState(id, transfer.StateFailed))
	if !errors.Is(ev.Transfer.Err, transfer.ErrSignalingUnavailable) {
		t.Errorf("expected ErrSignalingUnavailable, got %v", ev.Transfer.Err)
	}
}

func TestFileTransfer(t *testing.T) {
	hub, network := signaling.NewMemoryHub(), transport.NewMemoryNetwork()
	alice := startPeer(t, hub, network, "alice")
	bob := startPeer(t, hub, network, "bob")
	ctx := context.Background()

	data := make([]byte, 100*1024+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(alice.dir, "report.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := alice.node.ProposeFile(ctx, "bob", path)
	if err != nil {
		t.Fatalf("ProposeFile failed: %v", err)
	}
	req := bob.waitFor("transfer request", func(ev Event) bool {
		return ev.Kind == EventTransferRequest && ev.Transfer.ID == id
	})
	if req.Transfer.FileName != "report.bin" || req.Transfer.FileSize != int64(len(data)) {
		t.Errorf("unexpected request %+v", req.Transfer)
	}
	if err := bob.node.RespondTransfer(ctx, id, true); err != nil {
		t.Fatalf("RespondTransfer failed: %v", err)
	}

	done := bob.waitFor("completed receive", transferState(id, transfer.StateCompleted))
	alice.waitFor("completed send", transferState(id, transfer.StateCompleted))

	got, err := os.ReadFile(done.Transfer.Path)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("received file differs from the original")
	}

	snap, ok, err := alice.node.Transfer(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Transfer lookup failed: %v %v", ok, err)
	}
	if snap.BytesTransferred != int64(len(data)) {
		t.Errorf("expected %d bytes sent, got %d", len(data), snap.BytesTransferred)
	}
	if err := alice.node.CancelTransfer(ctx, id); err == nil {
		t.Error("expected cancelling a completed transfer to fail")
	}
}

func TestGroupCall(t *testing.T) {
	hub, network := signaling.NewMemoryHub(), transport.NewMemoryNetwork()
	peers := []*testPeer{
		startPeer(t, hub, network, "alice"),
		startPeer(t, hub, network, "bob"),
		startPeer(t, hub, network, "carol"),
	}
	ctx := context.Background()

	for _, p := range peers {
		if err := p.node.JoinGroup(ctx, "standup", protocol.MediaAudio); err != nil {
			t.Fatalf("%s: JoinGroup failed: %v", p.id, err)
		}
	}
	for _, p := range peers {
		p.eventually("two connected links", func(s call.Snapshot) bool {
			if s.GroupID != "standup" || len(s.Peers) != 2 {
				return false
			}
			for _, l := range s.Peers {
				if !l.Connectivity.Up() {
					return false
				}
			}
			return true
		})
	}

	if err := peers[2].node.LeaveGroup(ctx); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
	for _, p := range peers[:2] {
		p.eventually("one remaining link", func(s call.Snapshot) bool {
			return len(s.Peers) == 1
		})
	}
}

func TestCommandsAfterStop(t *testing.T) {
	hub, network := signaling.NewMemoryHub(), transport.NewMemoryNetwork()
	alice := startPeer(t, hub, network, "alice")

	if err := alice.node.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	alice.stop()
	<-alice.node.Done()
	if err := alice.node.EndCall(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if _, err := alice.node.Transfers(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
