package call

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

func (s *Session) ToggleAudio() error {
	if !s.status.Active() {
		return ErrNotInCall
	}
	enabled := !s.local.AudioEnabled
	if s.stream != nil && s.stream.Audio != nil {
		s.stream.Audio.SetEnabled(enabled)
	}
	s.local.AudioEnabled = enabled
	s.broadcastToggle(protocol.ToggleAudio, enabled)
	s.notify()
	return nil
}

func (s *Session) ToggleVideo() error {
	if !s.status.Active() {
		return ErrNotInCall
	}
	if s.stream == nil || s.stream.Video == nil {
		return ErrNoVideo
	}
	enabled := !s.local.VideoEnabled
	s.stream.Video.SetEnabled(enabled)
	s.local.VideoEnabled = enabled
	s.broadcastToggle(protocol.ToggleVideo, enabled)
	s.notify()
	return nil
}

// ToggleScreenShare starts or stops sending the screen in place of the
// camera. Starting waits for the screen capture to be granted.
func (s *Session) ToggleScreenShare(done func(error)) {
	if !s.status.Active() {
		done(ErrNotInCall)
		return
	}

	if s.local.ScreenSharing {
		s.screen.Stop()
		s.screen = nil
		var camera Track
		if s.stream != nil && s.stream.Video != nil {
			camera = s.stream.Video
		}
		s.replaceVideo(camera)
		s.local.ScreenSharing = false
		s.broadcastToggle(protocol.ToggleScreen, false)
		s.notify()
		done(nil)
		return
	}

	gen := s.gen
	s.opts.Media.AcquireScreen(context.Background(), func(track Track, err error) {
		s.opts.Post(func() {
			if gen != s.gen || !s.status.Active() {
				if track != nil {
					track.Stop()
				}
				done(ErrCallEnded)
				return
			}
			if err != nil {
				done(fmt.Errorf("%w: screen: %v", ErrMediaAcquisitionFailed, err))
				return
			}
			if s.local.ScreenSharing {
				track.Stop()
				done(nil)
				return
			}
			s.screen = track
			s.replaceVideo(track)
			s.local.ScreenSharing = true
			s.broadcastToggle(protocol.ToggleScreen, true)
			s.notify()
			done(nil)
		})
	})
}

// replaceVideo swaps the outgoing video track on every link, renegotiating
// the links whose engine asks for it.
func (s *Session) replaceVideo(t Track) {
	for _, l := range s.peers {
		renegotiate, err := l.handle.ReplaceVideoTrack(t)
		if err != nil {
			l.log.Warnf("Failed to replace video track: %v", err)
			continue
		}
		if renegotiate {
			s.linkResult(l, l.RequestRenegotiation())
		}
	}
}

func (s *Session) broadcastToggle(kind protocol.ToggleKind, enabled bool) {
	msg := &protocol.CallMediaToggled{Kind: kind, Enabled: enabled}
	for id := range s.peers {
		if err := s.send(id, msg); err != nil {
			s.log.WithField("peer", id).Debugf("Media toggle not delivered: %v", err)
		}
	}
}
