package webrtc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

type recordingOutbox struct {
	mu   sync.Mutex
	sent []*protocol.TransferSignal
}

func (o *recordingOutbox) Send(_ string, msg protocol.Message) error {
	if sig, ok := msg.(*protocol.TransferSignal); ok {
		o.mu.Lock()
		o.sent = append(o.sent, sig)
		o.mu.Unlock()
	}
	return nil
}

func (o *recordingOutbox) first(kind protocol.SignalKind) *protocol.TransferSignal {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sent {
		if s.Kind == kind {
			return s
		}
	}
	return nil
}

func TestConfiguration(t *testing.T) {
	cfg := Configuration(DefaultSTUNServers)
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != len(DefaultSTUNServers) {
		t.Errorf("unexpected ICE servers %+v", cfg.ICEServers)
	}
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Errorf("expected all transport policy, got %s", cfg.ICETransportPolicy)
	}
	if got := Configuration(nil); len(got.ICEServers) != 0 {
		t.Errorf("expected no ICE servers, got %+v", got.ICEServers)
	}

	dcInit := dataChannelInit()
	if dcInit.Ordered == nil || !*dcInit.Ordered || dcInit.MaxRetransmits != nil {
		t.Error("transfer channels must be ordered and reliable")
	}
}

func TestConnectivityState(t *testing.T) {
	tests := []struct {
		in   webrtc.ICEConnectionState
		want call.ConnectivityState
	}{
		{webrtc.ICEConnectionStateNew, call.ConnectivityNew},
		{webrtc.ICEConnectionStateChecking, call.ConnectivityChecking},
		{webrtc.ICEConnectionStateConnected, call.ConnectivityConnected},
		{webrtc.ICEConnectionStateCompleted, call.ConnectivityCompleted},
		{webrtc.ICEConnectionStateDisconnected, call.ConnectivityDisconnected},
		{webrtc.ICEConnectionStateFailed, call.ConnectivityFailed},
		{webrtc.ICEConnectionStateClosed, call.ConnectivityClosed},
	}
	for _, tt := range tests {
		if got := connectivityState(tt.in); got != tt.want {
			t.Errorf("connectivityState(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCandidateConversion(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	c := protocol.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	back := candidateFromInit(candidateToInit(c))
	if back.Candidate != c.Candidate || *back.SDPMid != mid || *back.SDPMLineIndex != idx {
		t.Errorf("candidate changed in conversion: %+v", back)
	}
}

func TestStaticSource(t *testing.T) {
	var stream *call.LocalStream
	StaticSource{}.Acquire(context.Background(), protocol.MediaVideo, func(s *call.LocalStream, err error) {
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		stream = s
	})
	if stream == nil || stream.Audio == nil || stream.Video == nil {
		t.Fatalf("expected audio and video, got %+v", stream)
	}
	if stream.Audio.Kind() != "audio" || stream.Video.Kind() != "video" || stream.Audio.ID() == stream.Video.ID() {
		t.Errorf("unexpected tracks %s/%s", stream.Audio.ID(), stream.Video.ID())
	}

	StaticSource{}.Acquire(context.Background(), protocol.MediaAudio, func(s *call.LocalStream, err error) {
		if err != nil || s.Video != nil {
			t.Errorf("expected audio only stream, got %+v (%v)", s, err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	StaticSource{}.AcquireScreen(ctx, func(tr call.Track, err error) {
		if err == nil {
			t.Error("expected cancelled acquisition to fail")
		}
	})
}

func TestTrackDropsSamplesWhenDisabled(t *testing.T) {
	tr, err := newTrack(webrtc.MimeTypeOpus, "audio", "s")
	if err != nil {
		t.Fatal(err)
	}
	tr.SetEnabled(false)
	if tr.Enabled() {
		t.Error("expected disabled track")
	}
	if err := tr.WriteSample(media.Sample{Data: []byte{1, 2, 3}, Duration: 20 * time.Millisecond}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	tr.Stop()
	tr.SetEnabled(true)
	if err := tr.WriteSample(media.Sample{Data: []byte{1}, Duration: 20 * time.Millisecond}); err != nil {
		t.Errorf("unexpected error after stop: %v", err)
	}
}

func TestEngineOfferAnswer(t *testing.T) {
	engine, err := NewEngine(Configuration(nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan call.PeerEvent, 256)

	alice, err := engine.NewPeer("bob", events)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = alice.Close() }()
	bob, err := engine.NewPeer("alice", events)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bob.Close() }()

	var stream *call.LocalStream
	StaticSource{}.Acquire(context.Background(), protocol.MediaVideo, func(s *call.LocalStream, _ error) { stream = s })
	if err := alice.AddStream(stream); err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}

	offer, err := alice.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !strings.Contains(offer, "m=audio") || !strings.Contains(offer, "m=video") {
		t.Errorf("expected audio and video sections in offer")
	}
	if err := bob.SetRemoteOffer(offer); err != nil {
		t.Fatalf("SetRemoteOffer failed: %v", err)
	}
	answer, err := bob.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	if err := alice.SetRemoteAnswer(answer); err != nil {
		t.Fatalf("SetRemoteAnswer failed: %v", err)
	}

	var screen call.Track
	StaticSource{}.AcquireScreen(context.Background(), func(tr call.Track, _ error) { screen = tr })
	renegotiate, err := alice.ReplaceVideoTrack(screen)
	if err != nil || renegotiate {
		t.Errorf("expected in-place replacement, got %v, %v", renegotiate, err)
	}
	if _, err := alice.ReplaceVideoTrack(fakeTrack{}); err == nil {
		t.Error("expected error for a foreign track")
	}

	if err := alice.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

type fakeTrack struct{}

func (fakeTrack) ID() string      { return "fake" }
func (fakeTrack) Kind() string    { return "video" }
func (fakeTrack) SetEnabled(bool) {}
func (fakeTrack) Stop()           {}

func TestDialerNegotiatesOverSignals(t *testing.T) {
	aliceOut, bobOut := &recordingOutbox{}, &recordingOutbox{}
	aliceEvents := make(chan transport.Event, 64)
	bobEvents := make(chan transport.Event, 64)

	alice, err := NewDialer(Configuration(nil), aliceOut, aliceEvents, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = alice.Close() }()
	bob, err := NewDialer(Configuration(nil), bobOut, bobEvents, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bob.Close() }()

	if _, err := bob.Accept("t1", "alice"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	conn, err := alice.Dial("t1", "bob")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := conn.Send([]byte("early")); err != transport.ErrClosed {
		t.Errorf("expected ErrClosed before the channel opens, got %v", err)
	}

	offer := aliceOut.first(protocol.SignalOffer)
	if offer == nil || offer.TransferID != "t1" || !strings.Contains(offer.SDP, "webrtc-datachannel") {
		t.Fatalf("expected data channel offer, got %+v", offer)
	}
	if err := bob.HandleSignal("alice", offer); err != nil {
		t.Fatalf("HandleSignal(offer) failed: %v", err)
	}
	answer := bobOut.first(protocol.SignalAnswer)
	if answer == nil {
		t.Fatal("expected an answer")
	}
	if err := alice.HandleSignal("bob", answer); err != nil {
		t.Fatalf("HandleSignal(answer) failed: %v", err)
	}

	if err := bob.HandleSignal("carol", offer); err == nil {
		t.Error("expected error for a signal nobody waits for")
	}
	if err := alice.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := alice.Dial("t2", "bob"); err != transport.ErrClosed {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
