package call

import (
	"sort"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

type queued struct {
	from, to string
	msg      protocol.Message
}

// testNet delivers signaling between harnesses in send order and plays the
// relay's part for group membership.
type testNet struct {
	t       *testing.T
	members map[string]*harness
	rooms   map[string][]string
	queue   []queued
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, members: make(map[string]*harness), rooms: make(map[string][]string)}
}

func (n *testNet) add(id string) *harness {
	h := newHarness(n.t, id)
	h.out.forward = func(to string, msg protocol.Message) {
		n.queue = append(n.queue, queued{from: id, to: to, msg: msg})
	}
	n.members[id] = h
	return h
}

func (n *testNet) pump() {
	for len(n.queue) > 0 {
		q := n.queue[0]
		n.queue = n.queue[1:]
		switch m := q.msg.(type) {
		case *protocol.GroupJoin:
			existing := append([]string(nil), n.rooms[m.GroupID]...)
			n.rooms[m.GroupID] = append(n.rooms[m.GroupID], q.from)
			n.members[q.from].session.HandleMessage("", &protocol.GroupExistingPeers{GroupID: m.GroupID, Peers: existing})
			for _, id := range existing {
				n.members[id].session.HandleMessage("", &protocol.GroupPeerJoined{GroupID: m.GroupID, PeerID: q.from})
			}
		case *protocol.GroupLeave:
			var rest []string
			for _, id := range n.rooms[m.GroupID] {
				if id != q.from {
					rest = append(rest, id)
				}
			}
			n.rooms[m.GroupID] = rest
			for _, id := range rest {
				n.members[id].session.HandleMessage("", &protocol.GroupPeerLeft{GroupID: m.GroupID, PeerID: q.from})
			}
		default:
			if h, ok := n.members[q.to]; ok {
				h.session.HandleMessage(q.from, q.msg)
			}
		}
	}
}

func (n *testNet) join(id, group string) {
	n.t.Helper()
	var got error
	n.members[id].session.JoinGroup(group, protocol.MediaAudio, func(err error) { got = err })
	if got != nil {
		n.t.Fatalf("JoinGroup(%s) failed: %v", id, got)
	}
	n.pump()
}

func linkedPeers(h *harness) []string {
	var ids []string
	for _, p := range h.session.Snapshot().Peers {
		ids = append(ids, p.PeerID)
	}
	sort.Strings(ids)
	return ids
}

func TestThreeMemberMesh(t *testing.T) {
	net := newTestNet(t)
	a, b, c := net.add("a"), net.add("b"), net.add("c")

	net.join("a", "room")
	if a.session.Links() != 0 {
		t.Fatalf("Expected no links for first member, got %d", a.session.Links())
	}
	net.join("b", "room")
	net.join("c", "room")

	want := map[*harness][]string{a: {"b", "c"}, b: {"a", "c"}, c: {"a", "b"}}
	for h, peers := range want {
		got := linkedPeers(h)
		if len(got) != len(peers) || got[0] != peers[0] || got[1] != peers[1] {
			t.Errorf("%s: expected links %v, got %v", h.session.opts.LocalID, peers, got)
		}
		if len(h.engine.created) != 2 {
			t.Errorf("%s: expected 2 peer handles, got %v", h.session.opts.LocalID, h.engine.created)
		}
		for _, p := range h.session.Snapshot().Peers {
			if p.Negotiation != NegotiationStable {
				t.Errorf("%s->%s: expected stable, got %s", h.session.opts.LocalID, p.PeerID, p.Negotiation)
			}
		}
	}

	// The newcomer offers to every incumbent.
	for _, peer := range []string{"a", "b"} {
		l, _ := c.session.Link(peer)
		if l.Role() != RoleOfferer {
			t.Errorf("c->%s: expected offerer, got %s", peer, l.Role())
		}
	}
	if l, _ := a.session.Link("c"); l.Role() != RoleAnswerer {
		t.Errorf("a->c: expected answerer, got %s", l.Role())
	}
	if got := c.out.count(protocol.MsgCallOffer); got != 2 {
		t.Errorf("Expected c to send 2 offers, got %d", got)
	}
	if got := a.out.count(protocol.MsgCallOffer); got != 0 {
		t.Errorf("Expected a to send no offers, got %d", got)
	}
}

func TestMeshConnectsOnFirstLink(t *testing.T) {
	net := newTestNet(t)
	a, b := net.add("a"), net.add("b")
	net.join("a", "room")
	net.join("b", "room")

	a.connectivity("b", ConnectivityChecking)
	a.connectivity("b", ConnectivityConnected)

	snap := a.session.Snapshot()
	if snap.Status != StatusConnected || snap.Kind != KindGroup || snap.GroupID != "room" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if b.session.Status() != StatusConnecting && b.session.Status() != StatusCalling {
		t.Errorf("Expected b still connecting, got %s", b.session.Status())
	}
}

func TestMeshPeerLeft(t *testing.T) {
	net := newTestNet(t)
	a, b, _ := net.add("a"), net.add("b"), net.add("c")
	net.join("a", "room")
	net.join("b", "room")
	net.join("c", "room")

	net.members["c"].session.LeaveGroup()
	net.pump()

	for _, h := range []*harness{a, b} {
		if _, ok := h.session.Link("c"); ok {
			t.Errorf("%s still linked to c", h.session.opts.LocalID)
		}
		if h.session.Links() != 1 {
			t.Errorf("%s: expected 1 link, got %d", h.session.opts.LocalID, h.session.Links())
		}
		if h.engine.handles["c"].closed != 1 {
			t.Errorf("%s: expected handle to c closed", h.session.opts.LocalID)
		}
	}
	if got := a.engine.handles["b"].offers; len(got) != 0 {
		t.Errorf("Expected no renegotiation with remaining peer, got %v", got)
	}
	if net.members["c"].session.Status() != StatusIdle {
		t.Errorf("Expected leaver idle, got %s", net.members["c"].session.Status())
	}
}

func TestMeshOfferBeforePeerJoined(t *testing.T) {
	h := newHarness(t, "a")
	h.session.JoinGroup("room", protocol.MediaAudio, func(error) {})
	h.session.HandleMessage("", &protocol.GroupExistingPeers{GroupID: "room"})

	h.session.HandleMessage("b", &protocol.CallOffer{SDP: "offer", MediaKind: protocol.MediaAudio, GroupID: "room"})
	h.session.HandleMessage("", &protocol.GroupPeerJoined{GroupID: "room", PeerID: "b"})

	if len(h.engine.created) != 1 {
		t.Fatalf("Expected a single link to b, got %v", h.engine.created)
	}
	if got := h.out.count(protocol.MsgCallAnswer); got != 1 {
		t.Errorf("Expected one answer, got %d", got)
	}
}

func TestMeshFailedLinkDropsOnlyThatPeer(t *testing.T) {
	net := newTestNet(t)
	a := net.add("a")
	net.add("b")
	net.add("c")
	net.join("a", "room")
	net.join("b", "room")
	net.join("c", "room")

	for _, peer := range []string{"b", "c"} {
		a.connectivity(peer, ConnectivityChecking)
		a.connectivity(peer, ConnectivityConnected)
	}

	a.connectivity("c", ConnectivityFailed)
	for i := 0; i < 4; i++ {
		a.clock.Advance(5 * time.Second)
	}

	if a.session.Status() != StatusConnected {
		t.Fatalf("Expected group call to continue, got %s", a.session.Status())
	}
	if _, ok := a.session.Link("c"); ok {
		t.Error("Expected failed link removed")
	}
	if _, ok := a.session.Link("b"); !ok {
		t.Error("Expected healthy link kept")
	}
}

func TestJoinGroupWhileInCall(t *testing.T) {
	h := newHarness(t, "a")
	h.startCall("b", protocol.MediaAudio)

	var got error
	h.session.JoinGroup("room", protocol.MediaAudio, func(err error) { got = err })
	if got != ErrAlreadyInCall {
		t.Errorf("Expected ErrAlreadyInCall, got %v", got)
	}
}
