// Package webrtc implements the media engine, local media source and
// transfer data channels on top of pion.
package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

// Engine creates pion peer connections for call links.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *logrus.Logger
}

var _ call.Engine = (*Engine)(nil)

func NewEngine(config webrtc.Configuration, log *logrus.Logger) (*Engine, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	return &Engine{api: api, config: config, log: logger.OrDiscard(log)}, nil
}

func (e *Engine) NewPeer(peerID string, events chan<- call.PeerEvent) (call.PeerHandle, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	h := &peerHandle{
		peerID: peerID,
		pc:     pc,
		events: events,
		done:   make(chan struct{}),
		log:    e.log.WithField("peer", peerID),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		h.log.Debugf("ICE connection state has changed: %s", s)
		h.emit(call.PeerEvent{Kind: call.EventConnectivity, State: connectivityState(s)})
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		h.emit(call.PeerEvent{Kind: call.EventLocalCandidate, Candidate: candidateFromInit(c.ToJSON())})
	})
	pc.OnNegotiationNeeded(func() {
		h.emit(call.PeerEvent{Kind: call.EventNegotiationNeeded})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h.log.Debugf("Remote %s track %s", remote.Kind(), remote.ID())
		h.emit(call.PeerEvent{Kind: call.EventRemoteTrack, TrackID: remote.ID()})
		go func() {
			for {
				if _, _, err := remote.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
	return h, nil
}

type peerHandle struct {
	peerID string
	pc     *webrtc.PeerConnection
	events chan<- call.PeerEvent
	log    *logrus.Entry

	mu        sync.Mutex
	video     *webrtc.RTPSender
	closeOnce sync.Once
	done      chan struct{}
}

// emit delivers ev unless the handle has been closed.
func (h *peerHandle) emit(ev call.PeerEvent) {
	ev.PeerID = h.peerID
	ev.Handle = h
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *peerHandle) CreateOffer(iceRestart bool) (string, error) {
	offer, err := h.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (h *peerHandle) CreateAnswer() (string, error) {
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (h *peerHandle) SetRemoteOffer(sdp string) error {
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (h *peerHandle) SetRemoteAnswer(sdp string) error {
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (h *peerHandle) Rollback() error {
	return h.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (h *peerHandle) AddICECandidate(c protocol.ICECandidate) error {
	return h.pc.AddICECandidate(candidateToInit(c))
}

func (h *peerHandle) AddStream(s *call.LocalStream) error {
	if s == nil {
		return nil
	}
	if s.Audio != nil {
		if _, err := h.addTrack(s.Audio); err != nil {
			return err
		}
	}
	if s.Video != nil {
		sender, err := h.addTrack(s.Video)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.video = sender
		h.mu.Unlock()
	}
	return nil
}

func (h *peerHandle) ReplaceVideoTrack(t call.Track) (bool, error) {
	h.mu.Lock()
	sender := h.video
	h.mu.Unlock()

	if sender != nil {
		var local webrtc.TrackLocal
		if t != nil {
			lt, err := asLocal(t)
			if err != nil {
				return false, err
			}
			local = lt.track
		}
		return false, sender.ReplaceTrack(local)
	}
	if t == nil {
		return false, nil
	}
	sender, err := h.addTrack(t)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	h.video = sender
	h.mu.Unlock()
	return true, nil
}

func (h *peerHandle) addTrack(t call.Track) (*webrtc.RTPSender, error) {
	lt, err := asLocal(t)
	if err != nil {
		return nil, err
	}
	sender, err := h.pc.AddTrack(lt.track)
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", lt.Kind(), err)
	}
	// RTCP has to be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (h *peerHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.pc.Close()
	})
	return err
}

var errForeignTrack = errors.New("track was not created by this media source")

func asLocal(t call.Track) (*Track, error) {
	lt, ok := t.(*Track)
	if !ok {
		return nil, errForeignTrack
	}
	return lt, nil
}

func connectivityState(s webrtc.ICEConnectionState) call.ConnectivityState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return call.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return call.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return call.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return call.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return call.ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return call.ConnectivityClosed
	default:
		return call.ConnectivityNew
	}
}

func candidateFromInit(c webrtc.ICECandidateInit) protocol.ICECandidate {
	return protocol.ICECandidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func candidateToInit(c protocol.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
