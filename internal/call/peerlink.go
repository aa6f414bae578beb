package call

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
)

type offerKind int

const (
	offerInitial offerKind = iota
	offerRenegotiate
	offerRestart
)

type linkHooks struct {
	connectivity func(l *PeerLink, state ConnectivityState)
	failed       func(l *PeerLink, err error)
}

// PeerLink drives offer/answer negotiation and ICE restarts with one remote
// participant. It is confined to the owning session's event loop.
type PeerLink struct {
	localID   string
	peerID    string
	role      Role
	mediaKind protocol.MediaKind
	groupID   string

	handle PeerHandle
	out    Outbox
	clock  clock.Clock
	cfg    Config
	hooks  linkHooks
	log    *logrus.Entry

	negotiation       NegotiationState
	connectivity      ConnectivityState
	reconnectAttempts int
	pendingCandidates []protocol.ICECandidate
	remoteDescSet     bool
	outstanding       offerKind
	renegotiateQueued bool
	restartQueued     bool
	remoteTracks      int
	remote            RemoteMedia

	graceTimer clock.Timer
	retryTimer clock.Timer
	terminal   bool
	closed     bool
}

func (l *PeerLink) PeerID() string { return l.peerID }

func (l *PeerLink) Role() Role { return l.role }

func (l *PeerLink) Negotiation() NegotiationState { return l.negotiation }

func (l *PeerLink) Connectivity() ConnectivityState { return l.connectivity }

func (l *PeerLink) Snapshot() LinkSnapshot {
	return LinkSnapshot{
		PeerID:            l.peerID,
		Role:              l.role,
		Negotiation:       l.negotiation,
		Connectivity:      l.connectivity,
		ReconnectAttempts: l.reconnectAttempts,
		PendingCandidates: len(l.pendingCandidates),
		RemoteTracks:      l.remoteTracks,
		Remote:            l.remote,
	}
}

// Offer sends the initial offer. Only valid for a new Offerer link.
func (l *PeerLink) Offer() error {
	if l.negotiation != NegotiationNew {
		return fmt.Errorf("offer in state %s", l.negotiation)
	}
	return l.sendOffer(offerInitial)
}

func (l *PeerLink) sendOffer(kind offerKind) error {
	sdp, err := l.handle.CreateOffer(kind == offerRestart)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}

	var msg protocol.Message
	switch kind {
	case offerRenegotiate:
		msg = &protocol.CallRenegotiate{SDP: sdp}
	default:
		msg = &protocol.CallOffer{
			SDP:         sdp,
			MediaKind:   l.mediaKind,
			IsReconnect: kind == offerRestart,
			GroupID:     l.groupID,
		}
	}
	if err := l.send(msg); err != nil {
		_ = l.handle.Rollback()
		return err
	}

	l.outstanding = kind
	l.setNegotiation(NegotiationOfferSent)
	return nil
}

// HandleOffer applies a remote offer and answers it. Restart offers arrive
// here too; renegotiations answer with call.renegotiate-answer.
func (l *PeerLink) HandleOffer(sdp string, renegotiation bool) error {
	if l.closed || l.terminal {
		return nil
	}

	if l.negotiation == NegotiationOfferSent {
		// Glare: the smaller peer id keeps its offer.
		if l.localID < l.peerID {
			l.log.Debug("Ignoring colliding offer, local offer wins")
			return nil
		}
		l.log.Debug("Rolling back local offer after collision")
		if err := l.handle.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback: %v", ErrNegotiationFailed, err)
		}
		if l.outstanding == offerRenegotiate {
			l.renegotiateQueued = true
		}
		l.setNegotiation(NegotiationStable)
	}

	if err := l.handle.SetRemoteOffer(sdp); err != nil {
		return fmt.Errorf("%w: apply offer: %v", ErrNegotiationFailed, err)
	}
	l.remoteDescSet = true
	l.setNegotiation(NegotiationOfferReceived)
	l.flushCandidates()

	answer, err := l.handle.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}

	var msg protocol.Message = &protocol.CallAnswer{SDP: answer}
	if renegotiation {
		msg = &protocol.CallRenegotiateAnswer{SDP: answer}
	}
	if err := l.send(msg); err != nil {
		return err
	}

	l.setNegotiation(NegotiationAnswerSent)
	l.setNegotiation(NegotiationStable)
	l.runQueued()
	return nil
}

// HandleAnswer applies the remote answer to our outstanding offer. Answers
// arriving in any other state are stale and dropped.
func (l *PeerLink) HandleAnswer(sdp string) error {
	if l.closed || l.terminal {
		return nil
	}
	if l.negotiation != NegotiationOfferSent {
		l.log.WithField("state", l.negotiation).Debug("Dropping unexpected answer")
		return nil
	}

	if err := l.handle.SetRemoteAnswer(sdp); err != nil {
		return fmt.Errorf("%w: apply answer: %v", ErrNegotiationFailed, err)
	}
	l.remoteDescSet = true
	l.setNegotiation(NegotiationAnswerReceived)
	l.flushCandidates()
	l.setNegotiation(NegotiationStable)
	l.runQueued()
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until the
// matching remote description is in place.
func (l *PeerLink) HandleCandidate(c protocol.ICECandidate) {
	if l.closed || l.terminal {
		return
	}
	if !l.candidatesApplicable() {
		l.pendingCandidates = append(l.pendingCandidates, c)
		return
	}
	if err := l.handle.AddICECandidate(c); err != nil {
		l.log.Warnf("Failed to add remote candidate: %v", err)
	}
}

func (l *PeerLink) candidatesApplicable() bool {
	return l.remoteDescSet && l.negotiation != NegotiationOfferSent
}

func (l *PeerLink) flushCandidates() {
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	for _, c := range pending {
		if err := l.handle.AddICECandidate(c); err != nil {
			l.log.Warnf("Failed to add buffered candidate: %v", err)
		}
	}
	if len(pending) > 0 {
		l.log.WithField("count", len(pending)).Debug("Flushed buffered candidates")
	}
}

// RequestRenegotiation starts an offer/answer cycle from Stable, or queues
// one until the link gets there.
func (l *PeerLink) RequestRenegotiation() error {
	if l.closed || l.terminal {
		return nil
	}
	if l.negotiation != NegotiationStable {
		l.renegotiateQueued = true
		return nil
	}
	l.renegotiateQueued = false
	return l.sendOffer(offerRenegotiate)
}

func (l *PeerLink) runQueued() {
	if l.negotiation != NegotiationStable {
		return
	}
	if l.restartQueued {
		l.restartQueued = false
		if l.connectivity == ConnectivityDisconnected || l.connectivity == ConnectivityFailed {
			l.restart()
			return
		}
	}
	if l.renegotiateQueued {
		if err := l.RequestRenegotiation(); err != nil {
			l.log.Warnf("Queued renegotiation failed: %v", err)
		}
	}
}

// HandleConnectivity applies a connectivity report from the media engine.
func (l *PeerLink) HandleConnectivity(next ConnectivityState) {
	if l.closed || l.terminal {
		return
	}
	prev := l.connectivity
	if !connectivityAllowed(prev, next) {
		l.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("Ignoring connectivity regression")
		return
	}
	l.connectivity = next
	l.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("Connectivity changed")

	switch next {
	case ConnectivityConnected, ConnectivityCompleted:
		clock.Stop(l.graceTimer)
		clock.Stop(l.retryTimer)
		l.graceTimer, l.retryTimer = nil, nil
		l.reconnectAttempts = 0
		l.restartQueued = false
	case ConnectivityDisconnected:
		clock.Stop(l.graceTimer)
		l.graceTimer = l.clock.AfterFunc(l.cfg.GracePeriod, l.onGraceExpired)
	case ConnectivityFailed:
		clock.Stop(l.graceTimer)
		l.graceTimer = nil
	}

	if l.hooks.connectivity != nil {
		l.hooks.connectivity(l, next)
	}

	if next == ConnectivityFailed {
		l.restart()
	}
}

func (l *PeerLink) onGraceExpired() {
	l.graceTimer = nil
	if l.closed || l.terminal || l.connectivity != ConnectivityDisconnected {
		return
	}
	l.log.Info("Grace period expired, restarting ICE")
	l.restart()
}

func (l *PeerLink) restart() {
	if l.closed || l.terminal {
		return
	}
	if l.reconnectAttempts >= l.cfg.MaxReconnectAttempts {
		l.fail()
		return
	}
	if l.negotiation == NegotiationOfferSent {
		// An unanswered offer may never be answered once the path is down.
		l.abandonOffer()
	}
	if l.negotiation != NegotiationStable {
		l.restartQueued = true
		l.armRetry()
		return
	}

	l.reconnectAttempts++
	l.log.WithField("attempt", l.reconnectAttempts).Info("Sending ICE restart offer")
	if err := l.sendOffer(offerRestart); err != nil {
		l.log.Warnf("ICE restart attempt failed: %v", err)
	}
	l.armRetry()
}

func (l *PeerLink) armRetry() {
	clock.Stop(l.retryTimer)
	l.retryTimer = l.clock.AfterFunc(l.cfg.GracePeriod, l.onRestartTimeout)
}

// abandonOffer rolls back our outstanding offer. A renegotiation is queued
// again so it runs once the link is Stable.
func (l *PeerLink) abandonOffer() {
	if err := l.handle.Rollback(); err != nil {
		l.log.Warnf("Rollback of unanswered offer failed: %v", err)
	}
	if l.outstanding == offerRenegotiate {
		l.renegotiateQueued = true
	}
	l.setNegotiation(NegotiationStable)
}

// onRestartTimeout retries when an attempt did not bring the path back.
func (l *PeerLink) onRestartTimeout() {
	l.retryTimer = nil
	if l.closed || l.terminal || l.connectivity.Up() {
		return
	}
	l.restart()
}

func (l *PeerLink) fail() {
	l.terminal = true
	l.connectivity = ConnectivityFailed
	clock.Stop(l.graceTimer)
	clock.Stop(l.retryTimer)
	l.graceTimer, l.retryTimer = nil, nil
	l.log.WithField("attempts", l.reconnectAttempts).Warn("Reconnect budget exhausted")
	if l.hooks.failed != nil {
		l.hooks.failed(l, ErrNegotiationFailed)
	}
}

// Close releases the media handle. Closing twice is a no-op.
func (l *PeerLink) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	clock.Stop(l.graceTimer)
	clock.Stop(l.retryTimer)
	l.graceTimer, l.retryTimer = nil, nil
	l.connectivity = ConnectivityClosed
	l.pendingCandidates = nil
	return l.handle.Close()
}

func (l *PeerLink) send(msg protocol.Message) error {
	if err := l.out.Send(l.peerID, msg); err != nil {
		if errors.Is(err, signaling.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	return nil
}

func (l *PeerLink) setNegotiation(next NegotiationState) {
	if l.negotiation == next {
		return
	}
	l.log.WithFields(logrus.Fields{"from": l.negotiation, "to": next}).Debug("Negotiation state")
	l.negotiation = next
}

// connectivityAllowed keeps connectivity monotonic apart from the
// disconnected/failed recovery cycle.
func connectivityAllowed(prev, next ConnectivityState) bool {
	if prev == next || next == ConnectivityNew || prev == ConnectivityClosed {
		return false
	}
	switch next {
	case ConnectivityChecking:
		return prev == ConnectivityNew || prev == ConnectivityDisconnected || prev == ConnectivityFailed
	case ConnectivityConnected:
		return prev != ConnectivityCompleted
	case ConnectivityCompleted, ConnectivityDisconnected, ConnectivityFailed:
		return true
	case ConnectivityClosed:
		return false
	}
	return false
}
