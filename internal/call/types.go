package call

import (
	"time"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusCalling      Status = "calling"
	StatusRinging      Status = "ringing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
	StatusEnded        Status = "ended"
)

// Active reports whether the session holds peer links and local media.
func (s Status) Active() bool {
	switch s {
	case StatusCalling, StatusConnecting, StatusConnected, StatusReconnecting:
		return true
	}
	return false
}

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

type NegotiationState string

const (
	NegotiationNew            NegotiationState = "new"
	NegotiationOfferSent      NegotiationState = "offer-sent"
	NegotiationOfferReceived  NegotiationState = "offer-received"
	NegotiationAnswerSent     NegotiationState = "answer-sent"
	NegotiationAnswerReceived NegotiationState = "answer-received"
	NegotiationStable         NegotiationState = "stable"
)

type ConnectivityState string

const (
	ConnectivityNew          ConnectivityState = "new"
	ConnectivityChecking     ConnectivityState = "checking"
	ConnectivityConnected    ConnectivityState = "connected"
	ConnectivityCompleted    ConnectivityState = "completed"
	ConnectivityDisconnected ConnectivityState = "disconnected"
	ConnectivityFailed       ConnectivityState = "failed"
	ConnectivityClosed       ConnectivityState = "closed"
)

// Up reports whether media can flow in this state.
func (c ConnectivityState) Up() bool {
	return c == ConnectivityConnected || c == ConnectivityCompleted
}

type LocalMedia struct {
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

// RemoteMedia is what a peer last announced through call.media-toggled.
type RemoteMedia struct {
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

// Incoming is a ringing offer waiting for the user.
type Incoming struct {
	PeerID    string
	SDP       string
	MediaKind protocol.MediaKind

	candidates []protocol.ICECandidate
}

type LinkSnapshot struct {
	PeerID            string
	Role              Role
	Negotiation       NegotiationState
	Connectivity      ConnectivityState
	ReconnectAttempts int
	PendingCandidates int
	RemoteTracks      int
	Remote            RemoteMedia
}

type Snapshot struct {
	Status          Status
	Kind            Kind
	Media           protocol.MediaKind
	Local           LocalMedia
	GroupID         string
	Peers           []LinkSnapshot
	StartedAt       time.Time
	ConnectedAt     time.Time
	DurationSeconds int
	Incoming        *Incoming
	Err             error
}

// Record is the history entry written when a call leaves the active states.
type Record struct {
	PeerID    string
	GroupID   string
	Kind      Kind
	Media     protocol.MediaKind
	Outcome   string
	StartedAt time.Time
	Duration  time.Duration
}

type History interface {
	RecordCall(rec Record) error
}

type Config struct {
	ConnectTimeout       time.Duration
	GracePeriod          time.Duration
	MaxReconnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       30 * time.Second,
		GracePeriod:          5 * time.Second,
		MaxReconnectAttempts: 3,
	}
}
