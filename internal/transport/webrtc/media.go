package webrtc

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

// Track is a local sample track. Samples written while it is disabled are
// dropped.
type Track struct {
	track   *webrtc.TrackLocalStaticSample
	kind    string
	enabled atomic.Bool
	stopped atomic.Bool
}

var _ call.Track = (*Track)(nil)

func newTrack(mimeType, kind, streamID string) (*Track, error) {
	tl, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		kind+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &Track{track: tl, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string { return t.track.ID() }

func (t *Track) Kind() string { return t.kind }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) Stop() { t.stopped.Store(true) }

// WriteSample forwards s to every peer the track is attached to.
func (t *Track) WriteSample(s media.Sample) error {
	if t.stopped.Load() || !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// StaticSource hands out sample tracks that the application feeds itself
// through Track.WriteSample. It never prompts and never fails for lack of
// a device.
type StaticSource struct{}

var _ call.MediaSource = StaticSource{}

func (StaticSource) Acquire(ctx context.Context, kind protocol.MediaKind, done func(*call.LocalStream, error)) {
	if err := ctx.Err(); err != nil {
		done(nil, err)
		return
	}
	streamID := "pcall-" + uuid.NewString()
	audio, err := newTrack(webrtc.MimeTypeOpus, "audio", streamID)
	if err != nil {
		done(nil, err)
		return
	}
	stream := &call.LocalStream{Audio: audio}
	if kind == protocol.MediaVideo {
		video, err := newTrack(webrtc.MimeTypeVP8, "video", streamID)
		if err != nil {
			done(nil, err)
			return
		}
		stream.Video = video
	}
	done(stream, nil)
}

func (StaticSource) AcquireScreen(ctx context.Context, done func(call.Track, error)) {
	if err := ctx.Err(); err != nil {
		done(nil, err)
		return
	}
	screen, err := newTrack(webrtc.MimeTypeVP8, "screen", "pcall-screen-"+uuid.NewString())
	if err != nil {
		done(nil, err)
		return
	}
	done(screen, nil)
}
