package call

import (
	"context"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

// Engine creates one media peer connection per remote participant. Events
// for the handle are written to events and carry the handle itself so that
// stale events from a closed handle can be told apart.
type Engine interface {
	NewPeer(peerID string, events chan<- PeerEvent) (PeerHandle, error)
}

type PeerHandle interface {
	// CreateOffer creates and applies a local offer.
	CreateOffer(iceRestart bool) (string, error)
	// CreateAnswer creates and applies a local answer to the applied remote
	// offer.
	CreateAnswer() (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	AddICECandidate(c protocol.ICECandidate) error
	AddStream(s *LocalStream) error
	// ReplaceVideoTrack swaps the outgoing video track in place. It reports
	// whether the swap needs a renegotiation to take effect.
	ReplaceVideoTrack(t Track) (bool, error)
	Close() error
}

type PeerEventKind int

const (
	EventConnectivity PeerEventKind = iota + 1
	EventLocalCandidate
	EventNegotiationNeeded
	EventRemoteTrack
)

type PeerEvent struct {
	PeerID    string
	Handle    PeerHandle
	Kind      PeerEventKind
	State     ConnectivityState
	Candidate protocol.ICECandidate
	TrackID   string
}

type Track interface {
	ID() string
	Kind() string
	SetEnabled(enabled bool)
	Stop()
}

// LocalStream holds the tracks acquired from the local media source. Video
// is nil for audio calls.
type LocalStream struct {
	Audio Track
	Video Track
}

func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	if s.Audio != nil {
		s.Audio.Stop()
	}
	if s.Video != nil {
		s.Video.Stop()
	}
}

// MediaSource acquires local capture. Completion is reported through done,
// possibly from another goroutine.
type MediaSource interface {
	Acquire(ctx context.Context, kind protocol.MediaKind, done func(*LocalStream, error))
	AcquireScreen(ctx context.Context, done func(Track, error))
}

// Outbox sends a signaling message without blocking.
type Outbox interface {
	Send(to string, msg protocol.Message) error
}
