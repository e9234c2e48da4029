package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSource abstracts the media device layer so the engine can be tested
// with fakes. Injected into the engine at construction, never ambient.
type MediaSource interface {
	// Acquire opens the requested devices. Implementations return
	// ErrPermissionDenied when access is refused. A video failure alone is
	// handled by the engine with an audio-only retry, not by this method.
	Acquire(ctx context.Context, video, audio bool) (MediaStream, error)
}

// MediaStream is a handle over the acquired local tracks.
type MediaStream interface {
	Tracks() []MediaTrack
	// Close stops every track and releases the devices. Idempotent.
	Close()
}

// MediaTrack is one local track. SetEnabled is the display-layer mute used
// by the media-state synchronizer; the track keeps flowing.
type MediaTrack interface {
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	// Local exposes the pion track to attach to a peer connection.
	Local() webrtc.TrackLocal
}
