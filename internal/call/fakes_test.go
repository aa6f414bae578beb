package call

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

type fakeHandle struct {
	peerID string

	offers      []bool // iceRestart flag per CreateOffer
	answers     int
	remoteOffer []string
	remoteAns   []string
	rollbacks   int
	candidates  []protocol.ICECandidate
	streams     int
	videoTracks []Track
	closed      int

	failOffer   error
	failApply   error
	renegotiate bool
}

func (h *fakeHandle) CreateOffer(iceRestart bool) (string, error) {
	if h.failOffer != nil {
		return "", h.failOffer
	}
	h.offers = append(h.offers, iceRestart)
	return fmt.Sprintf("offer-%s-%d", h.peerID, len(h.offers)), nil
}

func (h *fakeHandle) CreateAnswer() (string, error) {
	h.answers++
	return fmt.Sprintf("answer-%s-%d", h.peerID, h.answers), nil
}

func (h *fakeHandle) SetRemoteOffer(sdp string) error {
	if h.failApply != nil {
		return h.failApply
	}
	h.remoteOffer = append(h.remoteOffer, sdp)
	return nil
}

func (h *fakeHandle) SetRemoteAnswer(sdp string) error {
	if h.failApply != nil {
		return h.failApply
	}
	h.remoteAns = append(h.remoteAns, sdp)
	return nil
}

func (h *fakeHandle) Rollback() error {
	h.rollbacks++
	return nil
}

func (h *fakeHandle) AddICECandidate(c protocol.ICECandidate) error {
	h.candidates = append(h.candidates, c)
	return nil
}

func (h *fakeHandle) AddStream(*LocalStream) error {
	h.streams++
	return nil
}

func (h *fakeHandle) ReplaceVideoTrack(t Track) (bool, error) {
	h.videoTracks = append(h.videoTracks, t)
	return h.renegotiate, nil
}

func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

type fakeEngine struct {
	handles map[string]*fakeHandle
	created []string
	setup   func(h *fakeHandle)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: make(map[string]*fakeHandle)}
}

func (e *fakeEngine) NewPeer(peerID string, _ chan<- PeerEvent) (PeerHandle, error) {
	h := &fakeHandle{peerID: peerID}
	if e.setup != nil {
		e.setup(h)
	}
	e.handles[peerID] = h
	e.created = append(e.created, peerID)
	return h, nil
}

type fakeTrack struct {
	id      string
	kind    string
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrack) Stop() { t.stopped = true }

// fakeSource completes acquisitions immediately unless hold is set, in
// which case they wait for release.
type fakeSource struct {
	err     error
	hold    bool
	pending []func()
	streams []*LocalStream
	screens []*fakeTrack
}

func (s *fakeSource) Acquire(_ context.Context, kind protocol.MediaKind, done func(*LocalStream, error)) {
	finish := func() {
		if s.err != nil {
			done(nil, s.err)
			return
		}
		stream := &LocalStream{Audio: &fakeTrack{id: "mic", kind: "audio", enabled: true}}
		if kind == protocol.MediaVideo {
			stream.Video = &fakeTrack{id: "cam", kind: "video", enabled: true}
		}
		s.streams = append(s.streams, stream)
		done(stream, nil)
	}
	if s.hold {
		s.pending = append(s.pending, finish)
		return
	}
	finish()
}

func (s *fakeSource) AcquireScreen(_ context.Context, done func(Track, error)) {
	t := &fakeTrack{id: "screen", kind: "video", enabled: true}
	s.screens = append(s.screens, t)
	done(t, nil)
}

func (s *fakeSource) release() {
	pending := s.pending
	s.pending = nil
	for _, f := range pending {
		f()
	}
}

type sent struct {
	to  string
	msg protocol.Message
}

type fakeOutbox struct {
	sent    []sent
	err     error
	forward func(to string, msg protocol.Message)
}

func (o *fakeOutbox) Send(to string, msg protocol.Message) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, sent{to: to, msg: msg})
	if o.forward != nil {
		o.forward(to, msg)
	}
	return nil
}

func (o *fakeOutbox) count(typ protocol.MessageType) int {
	n := 0
	for _, s := range o.sent {
		if s.msg.Type() == typ {
			n++
		}
	}
	return n
}

func (o *fakeOutbox) last(typ protocol.MessageType) (sent, bool) {
	for i := len(o.sent) - 1; i >= 0; i-- {
		if o.sent[i].msg.Type() == typ {
			return o.sent[i], true
		}
	}
	return sent{}, false
}

type fakeHistory struct {
	records []Record
}

func (h *fakeHistory) RecordCall(rec Record) error {
	h.records = append(h.records, rec)
	return nil
}

var errNoCamera = errors.New("no camera")

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	engine  *fakeEngine
	source  *fakeSource
	out     *fakeOutbox
	history *fakeHistory
	session *Session
	changes []Snapshot
	rings   []Incoming
}

func newHarness(t *testing.T, localID string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clock.NewFake(time.Unix(1700000000, 0)),
		engine:  newFakeEngine(),
		source:  &fakeSource{},
		out:     &fakeOutbox{},
		history: &fakeHistory{},
	}
	h.session = NewSession(Options{
		LocalID:    localID,
		Engine:     h.engine,
		Media:      h.source,
		Outbox:     h.out,
		Clock:      h.clock,
		Config:     DefaultConfig(),
		History:    h.history,
		OnChange:   func(s Snapshot) { h.changes = append(h.changes, s) },
		OnIncoming: func(in Incoming) { h.rings = append(h.rings, in) },
	})
	return h
}

func (h *harness) connectivity(peer string, state ConnectivityState) {
	h.t.Helper()
	handle, ok := h.engine.handles[peer]
	if !ok {
		h.t.Fatalf("No handle for %s", peer)
	}
	h.session.HandlePeerEvent(PeerEvent{PeerID: peer, Handle: handle, Kind: EventConnectivity, State: state})
}

func (h *harness) startCall(peer string, kind protocol.MediaKind) {
	h.t.Helper()
	var got error
	called := false
	h.session.StartCall(peer, kind, func(err error) { got, called = err, true })
	if !called || got != nil {
		h.t.Fatalf("StartCall(%s): called=%v err=%v", peer, called, got)
	}
}

// connectCall starts a call to peer and walks it to Connected.
func (h *harness) connectCall(peer string) *PeerLink {
	h.t.Helper()
	h.startCall(peer, protocol.MediaAudio)
	h.session.HandleMessage(peer, &protocol.CallAnswer{SDP: "answer"})
	h.connectivity(peer, ConnectivityChecking)
	h.connectivity(peer, ConnectivityConnected)
	if h.session.Status() != StatusConnected {
		h.t.Fatalf("Expected connected, got %s", h.session.Status())
	}
	l, _ := h.session.Link(peer)
	return l
}
