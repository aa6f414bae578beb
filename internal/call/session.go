package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
)

type Options struct {
	LocalID string
	Engine  Engine
	Media   MediaSource
	Outbox  Outbox
	// Clock timers must fire on the session's event loop.
	Clock clock.Clock
	// Post schedules f on the session's event loop. Media acquisition
	// completions are delivered through it.
	Post func(f func())
	// PeerEvents receives media engine events for every link this session
	// creates; the owner feeds them back through HandlePeerEvent.
	PeerEvents chan<- PeerEvent
	Config     Config
	Logger     *logrus.Logger
	History    History
	// OnChange is called after every externally visible state change.
	OnChange func(Snapshot)
	// OnIncoming is called when a call starts ringing.
	OnIncoming func(Incoming)
}

// Session owns the single active call of a client: its peer links, the
// local media stream and the call timers. All methods must be called from
// the event loop that Options.Clock and Options.Post deliver to.
type Session struct {
	opts Options
	log  *logrus.Logger

	status   Status
	kind     Kind
	media    protocol.MediaKind
	local    LocalMedia
	peers    map[string]*PeerLink
	stream   *LocalStream
	screen   Track
	incoming *Incoming
	mesh     *Mesh
	remote   string

	startedAt   time.Time
	connectedAt time.Time
	duration    int
	lastErr     error

	connectTimer  clock.Timer
	durationTimer clock.Timer
	cancelAcquire context.CancelFunc
	endNotified   bool
	gen           uint64
}

func NewSession(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	return &Session{
		opts:   opts,
		log:    logger.OrDiscard(opts.Logger),
		status: StatusIdle,
		peers:  make(map[string]*PeerLink),
	}
}

func (s *Session) Status() Status { return s.status }

// Links returns the number of peer links currently held.
func (s *Session) Links() int { return len(s.peers) }

func (s *Session) Link(peerID string) (*PeerLink, bool) {
	l, ok := s.peers[peerID]
	return l, ok
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Status:          s.status,
		Kind:            s.kind,
		Media:           s.media,
		Local:           s.local,
		StartedAt:       s.startedAt,
		ConnectedAt:     s.connectedAt,
		DurationSeconds: s.duration,
		Err:             s.lastErr,
	}
	if s.mesh != nil {
		snap.GroupID = s.mesh.groupID
	}
	if s.incoming != nil {
		in := *s.incoming
		in.candidates = nil
		snap.Incoming = &in
	}
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Peers = append(snap.Peers, s.peers[id].Snapshot())
	}
	return snap
}

// StartCall places a direct call. done is called exactly once, possibly
// after local media has been granted.
func (s *Session) StartCall(target string, kind protocol.MediaKind, done func(error)) {
	if s.status != StatusIdle {
		done(ErrAlreadyInCall)
		return
	}
	if target == "" || target == s.opts.LocalID || !kind.Valid() {
		done(ErrInvalidTarget)
		return
	}

	s.begin(KindDirect, kind)
	s.remote = target
	s.log.WithFields(logrus.Fields{"peer": target, "media": kind}).Info("Starting call")

	s.acquire(kind, done, func() {
		link, err := s.newLink(target, RoleOfferer)
		if err == nil {
			err = link.Offer()
		}
		if err != nil {
			s.abort(err)
			done(err)
			return
		}
		s.armConnectTimeout()
		s.notify()
		done(nil)
	})
}

// AcceptIncoming answers the ringing offer in.
func (s *Session) AcceptIncoming(in Incoming, done func(error)) {
	ringing := s.status == StatusRinging && s.incoming != nil && s.incoming.PeerID == in.PeerID
	if s.status != StatusIdle && !ringing {
		done(ErrAlreadyInCall)
		return
	}
	if ringing {
		in = *s.incoming
	}
	if in.PeerID == "" || in.SDP == "" {
		done(ErrNoIncomingCall)
		return
	}
	if !in.MediaKind.Valid() {
		in.MediaKind = protocol.MediaAudio
	}

	s.incoming = nil
	s.begin(KindDirect, in.MediaKind)
	s.remote = in.PeerID
	s.log.WithField("peer", in.PeerID).Info("Accepting call")

	s.acquire(in.MediaKind, func(err error) {
		if err != nil && errors.Is(err, ErrMediaAcquisitionFailed) {
			_ = s.send(in.PeerID, &protocol.CallReject{Reason: protocol.ErrInternal})
		}
		done(err)
	}, func() {
		link, err := s.newLink(in.PeerID, RoleAnswerer)
		if err != nil {
			s.abort(err)
			done(err)
			return
		}
		for _, c := range in.candidates {
			link.HandleCandidate(c)
		}
		if err := link.HandleOffer(in.SDP, false); err != nil {
			s.abort(err)
			done(err)
			return
		}
		s.armConnectTimeout()
		s.notify()
		done(nil)
	})
}

// RejectIncoming declines the ringing call.
func (s *Session) RejectIncoming(reason protocol.ErrorCode) error {
	if s.status != StatusRinging || s.incoming == nil {
		return ErrNoIncomingCall
	}
	peer := s.incoming.PeerID
	if reason == protocol.ErrUnknown {
		reason = protocol.ErrDeclined
	}
	err := s.send(peer, &protocol.CallReject{Reason: reason})
	s.log.WithFields(logrus.Fields{"peer": peer, "reason": reason}).Info("Rejected incoming call")
	s.record("rejected")
	s.resetIdle()
	s.notify()
	return err
}

// EndCall tears the call down. Peers are told once unless the end came
// from them. Ending an idle session does nothing.
func (s *Session) EndCall(remoteOriginated bool) {
	switch {
	case s.status == StatusIdle:
		return
	case s.status == StatusRinging:
		if !remoteOriginated {
			_ = s.RejectIncoming(protocol.ErrDeclined)
			return
		}
		s.record("missed")
		s.resetIdle()
		s.notify()
		return
	}

	s.log.WithField("remote", remoteOriginated).Info("Ending call")
	s.status = StatusEnded
	s.notify()
	s.teardown(!remoteOriginated)
	s.record("ended")
	s.resetIdle()
	s.notify()
}

// HandleMessage applies an inbound call.* or group.* message from peer.
func (s *Session) HandleMessage(from string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.CallOffer:
		s.handleOffer(from, m)
	case *protocol.CallAnswer:
		s.handleAnswer(from, m.SDP)
	case *protocol.CallRenegotiateAnswer:
		s.handleAnswer(from, m.SDP)
	case *protocol.CallRenegotiate:
		if l, ok := s.peers[from]; ok {
			s.linkResult(l, l.HandleOffer(m.SDP, true))
		}
	case *protocol.CallICECandidate:
		s.handleCandidate(from, m.Candidate)
	case *protocol.CallReject:
		s.handleReject(from, m.Reason)
	case *protocol.CallEnd:
		s.handleEnd(from)
	case *protocol.CallMediaToggled:
		s.handleMediaToggled(from, m)
	case *protocol.GroupExistingPeers:
		if s.mesh != nil {
			s.mesh.handleExistingPeers(m.GroupID, m.Peers)
		}
	case *protocol.GroupPeerJoined:
		if s.mesh != nil {
			s.mesh.handlePeerJoined(m.GroupID, m.PeerID)
		}
	case *protocol.GroupPeerLeft:
		if s.mesh != nil {
			s.mesh.handlePeerLeft(m.GroupID, m.PeerID)
		}
	default:
		s.log.WithField("type", msg.Type()).Debug("Session ignoring message")
	}
}

// PeerUnreachable is called when the relay reports that peer is not
// connected.
func (s *Session) PeerUnreachable(peer string) {
	if _, ok := s.peers[peer]; !ok {
		return
	}
	if s.kind == KindDirect && (s.status == StatusCalling || s.status == StatusConnecting) {
		s.fail(fmt.Errorf("%w: peer %s is offline", ErrSignalingUnavailable, peer))
	}
}

// HandlePeerEvent applies a media engine event. Events from handles that
// no longer belong to a link are dropped.
func (s *Session) HandlePeerEvent(ev PeerEvent) {
	l, ok := s.peers[ev.PeerID]
	if !ok || l.handle != ev.Handle {
		return
	}

	switch ev.Kind {
	case EventConnectivity:
		l.HandleConnectivity(ev.State)
	case EventLocalCandidate:
		if err := s.send(l.peerID, &protocol.CallICECandidate{Candidate: ev.Candidate}); err != nil {
			s.log.WithField("peer", l.peerID).Debugf("Dropping local candidate: %v", err)
		}
	case EventNegotiationNeeded:
		if l.negotiation == NegotiationStable {
			s.linkResult(l, l.RequestRenegotiation())
		}
	case EventRemoteTrack:
		l.remoteTracks++
		s.notify()
	}
}

func (s *Session) handleOffer(from string, m *protocol.CallOffer) {
	if l, ok := s.peers[from]; ok {
		s.linkResult(l, l.HandleOffer(m.SDP, false))
		return
	}

	if m.GroupID != "" && s.mesh != nil && s.mesh.groupID == m.GroupID {
		s.mesh.handleOffer(from, m.SDP)
		return
	}

	if s.status != StatusIdle {
		if s.incoming != nil && s.incoming.PeerID == from {
			s.incoming.SDP = m.SDP
			return
		}
		s.log.WithField("peer", from).Info("Busy, rejecting incoming call")
		_ = s.send(from, &protocol.CallReject{Reason: protocol.ErrBusy})
		return
	}

	kind := m.MediaKind
	if !kind.Valid() {
		kind = protocol.MediaAudio
	}
	s.incoming = &Incoming{PeerID: from, SDP: m.SDP, MediaKind: kind}
	s.status = StatusRinging
	s.kind = KindDirect
	s.media = kind
	s.startedAt = s.opts.Clock.Now()
	s.log.WithField("peer", from).Info("Incoming call")
	s.notify()
	if s.opts.OnIncoming != nil {
		s.opts.OnIncoming(*s.incoming)
	}
}

func (s *Session) handleAnswer(from, sdp string) {
	l, ok := s.peers[from]
	if !ok {
		return
	}
	if err := l.HandleAnswer(sdp); err != nil {
		s.linkResult(l, err)
		return
	}
	if s.status == StatusCalling && l.negotiation == NegotiationStable {
		s.status = StatusConnecting
		s.armConnectTimeout()
		s.notify()
	}
}

func (s *Session) handleCandidate(from string, c protocol.ICECandidate) {
	if l, ok := s.peers[from]; ok {
		l.HandleCandidate(c)
		return
	}
	if s.incoming != nil && s.incoming.PeerID == from {
		s.incoming.candidates = append(s.incoming.candidates, c)
	}
}

func (s *Session) handleReject(from string, reason protocol.ErrorCode) {
	if _, ok := s.peers[from]; !ok {
		return
	}
	if s.kind == KindGroup {
		s.mesh.dropPeer(from)
		return
	}
	s.log.WithFields(logrus.Fields{"peer": from, "reason": reason}).Info("Call rejected")
	s.lastErr = fmt.Errorf("%w: %s", ErrUserRejected, reason)
	s.status = StatusEnded
	s.notify()
	s.teardown(false)
	s.record("rejected")
	s.resetIdle()
	s.notify()
}

func (s *Session) handleEnd(from string) {
	if s.status == StatusRinging && s.incoming != nil && s.incoming.PeerID == from {
		s.EndCall(true)
		return
	}
	if _, ok := s.peers[from]; !ok {
		return
	}
	if s.kind == KindGroup {
		s.mesh.dropPeer(from)
		return
	}
	s.EndCall(true)
}

func (s *Session) handleMediaToggled(from string, m *protocol.CallMediaToggled) {
	l, ok := s.peers[from]
	if !ok {
		return
	}
	switch m.Kind {
	case protocol.ToggleAudio:
		l.remote.AudioEnabled = m.Enabled
	case protocol.ToggleVideo:
		l.remote.VideoEnabled = m.Enabled
	case protocol.ToggleScreen:
		l.remote.ScreenSharing = m.Enabled
	}
	s.notify()
}

func (s *Session) begin(kind Kind, media protocol.MediaKind) {
	s.status = StatusCalling
	s.kind = kind
	s.media = media
	s.startedAt = s.opts.Clock.Now()
	s.lastErr = nil
	s.notify()
}

// acquire opens local media and resumes with next on the event loop.
// Failures roll the session back to Idle and are reported through done.
func (s *Session) acquire(kind protocol.MediaKind, done func(error), next func()) {
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAcquire = cancel

	s.opts.Media.Acquire(ctx, kind, func(stream *LocalStream, err error) {
		s.opts.Post(func() {
			cancel()
			if gen != s.gen {
				stream.Stop()
				done(ErrCallEnded)
				return
			}
			s.cancelAcquire = nil
			if err != nil {
				s.log.Warnf("Local media unavailable: %v", err)
				s.resetIdle()
				s.notify()
				done(fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err))
				return
			}
			s.stream = stream
			s.local = LocalMedia{
				AudioEnabled: stream != nil && stream.Audio != nil,
				VideoEnabled: stream != nil && stream.Video != nil,
			}
			next()
		})
	})
}

func (s *Session) newLink(peerID string, role Role) (*PeerLink, error) {
	if _, exists := s.peers[peerID]; exists {
		return nil, fmt.Errorf("link to %s already exists", peerID)
	}
	handle, err := s.opts.Engine.NewPeer(peerID, s.opts.PeerEvents)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer: %v", ErrNegotiationFailed, err)
	}
	if s.stream != nil {
		if err := handle.AddStream(s.stream); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("%w: add stream: %v", ErrNegotiationFailed, err)
		}
	}
	if s.screen != nil {
		if _, err := handle.ReplaceVideoTrack(s.screen); err != nil {
			s.log.WithField("peer", peerID).Warnf("Failed to attach screen track: %v", err)
		}
	}

	l := &PeerLink{
		localID:      s.opts.LocalID,
		peerID:       peerID,
		role:         role,
		mediaKind:    s.media,
		handle:       handle,
		out:          s.opts.Outbox,
		clock:        s.opts.Clock,
		cfg:          s.opts.Config,
		negotiation:  NegotiationNew,
		connectivity: ConnectivityNew,
		log:          s.log.WithFields(logrus.Fields{"peer": peerID, "role": role}),
		hooks: linkHooks{
			connectivity: s.onLinkConnectivity,
			failed:       s.onLinkFailed,
		},
	}
	if s.mesh != nil {
		l.groupID = s.mesh.groupID
	}
	s.peers[peerID] = l
	return l, nil
}

// linkResult handles an error returned by a link operation.
func (s *Session) linkResult(l *PeerLink, err error) {
	if err == nil {
		return
	}
	l.log.Warnf("Link operation failed: %v", err)
	if errors.Is(err, ErrNegotiationFailed) {
		s.onLinkFailed(l, err)
	}
}

func (s *Session) onLinkConnectivity(l *PeerLink, state ConnectivityState) {
	switch {
	case state.Up():
		if s.status == StatusCalling || s.status == StatusConnecting || s.status == StatusReconnecting {
			if s.status != StatusReconnecting {
				s.log.WithField("peer", l.peerID).Info("Call connected")
			}
			s.status = StatusConnected
			clock.Stop(s.connectTimer)
			s.connectTimer = nil
			if s.connectedAt.IsZero() {
				s.connectedAt = s.opts.Clock.Now()
				s.startDuration()
			}
		}
	case state == ConnectivityDisconnected || state == ConnectivityFailed:
		if s.status == StatusConnected && !s.anyLinkUp() {
			s.status = StatusReconnecting
		}
	case state == ConnectivityChecking:
		if s.status == StatusCalling || s.status == StatusConnecting {
			s.armConnectTimeout()
		}
	}
	s.notify()
}

func (s *Session) onLinkFailed(l *PeerLink, err error) {
	if s.kind == KindGroup && s.mesh != nil {
		l.log.Warnf("Dropping group member: %v", err)
		s.mesh.dropPeer(l.peerID)
		return
	}
	s.fail(err)
}

func (s *Session) anyLinkUp() bool {
	for _, l := range s.peers {
		if l.connectivity.Up() {
			return true
		}
	}
	return false
}

func (s *Session) armConnectTimeout() {
	clock.Stop(s.connectTimer)
	gen := s.gen
	s.connectTimer = s.opts.Clock.AfterFunc(s.opts.Config.ConnectTimeout, func() {
		if gen != s.gen {
			return
		}
		s.connectTimer = nil
		if s.status == StatusCalling || s.status == StatusConnecting {
			s.fail(ErrConnectivityTimeout)
		}
	})
}

func (s *Session) startDuration() {
	gen := s.gen
	var tick func()
	tick = func() {
		if gen != s.gen {
			return
		}
		if s.status == StatusConnected {
			s.duration++
			s.notify()
		}
		s.durationTimer = s.opts.Clock.AfterFunc(time.Second, tick)
	}
	s.durationTimer = s.opts.Clock.AfterFunc(time.Second, tick)
}

// fail releases every resource, then surfaces err.
func (s *Session) fail(err error) {
	if s.status == StatusIdle {
		return
	}
	s.log.Warnf("Call failed: %v", err)
	s.teardown(true)
	s.lastErr = err
	s.status = StatusFailed
	s.notify()
	s.record("failed")
	s.resetIdle()
	s.notify()
}

// abort rolls back a call that never got its first offer or answer out.
func (s *Session) abort(err error) {
	s.log.Warnf("Call setup failed: %v", err)
	s.teardown(false)
	s.lastErr = err
	s.resetIdle()
	s.notify()
}

func (s *Session) teardown(notifyPeers bool) {
	if s.cancelAcquire != nil {
		s.cancelAcquire()
		s.cancelAcquire = nil
	}
	clock.Stop(s.connectTimer)
	clock.Stop(s.durationTimer)
	s.connectTimer, s.durationTimer = nil, nil

	if notifyPeers && !s.endNotified {
		s.endNotified = true
		if s.mesh != nil {
			_ = s.send("", &protocol.GroupLeave{GroupID: s.mesh.groupID})
		} else {
			for id := range s.peers {
				if err := s.send(id, &protocol.CallEnd{}); err != nil {
					s.log.WithField("peer", id).Debugf("End notification not delivered: %v", err)
				}
			}
		}
	}

	var err error
	for id, l := range s.peers {
		multierr.AppendInto(&err, l.Close())
		delete(s.peers, id)
	}
	if err != nil {
		s.log.Errorf("Closing peer links: %v", err)
	}

	if s.screen != nil {
		s.screen.Stop()
		s.screen = nil
	}
	s.stream.Stop()
	s.stream = nil
}

func (s *Session) resetIdle() {
	s.gen++
	s.status = StatusIdle
	s.kind = ""
	s.media = ""
	s.local = LocalMedia{}
	s.peers = make(map[string]*PeerLink)
	s.incoming = nil
	s.mesh = nil
	s.remote = ""
	s.startedAt = time.Time{}
	s.connectedAt = time.Time{}
	s.duration = 0
	s.endNotified = false
}

func (s *Session) record(outcome string) {
	if s.opts.History == nil || s.startedAt.IsZero() {
		return
	}
	rec := Record{
		Kind:      s.kind,
		Media:     s.media,
		Outcome:   outcome,
		StartedAt: s.startedAt,
		Duration:  time.Duration(s.duration) * time.Second,
	}
	switch {
	case s.mesh != nil:
		rec.GroupID = s.mesh.groupID
	case s.incoming != nil:
		rec.PeerID = s.incoming.PeerID
	default:
		rec.PeerID = s.remote
	}
	if err := s.opts.History.RecordCall(rec); err != nil {
		s.log.Warnf("Failed to record call: %v", err)
	}
}

func (s *Session) send(to string, msg protocol.Message) error {
	if err := s.opts.Outbox.Send(to, msg); err != nil {
		if errors.Is(err, signaling.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	return nil
}

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.Snapshot())
	}
}
