// Package media implements core.MediaSource over pion/mediadevices. Device
// capture only exists on Linux (V4L2 + malgo drivers); elsewhere Acquire
// yields an empty stream and the call runs receive-only.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Sarvesh2424/codecollab/internal/core"
)

// Stream is the acquired local media handle.
type Stream struct {
	mu     sync.Mutex
	tracks []*Track
	closed bool
	stop   func()
}

var _ core.MediaStream = (*Stream)(nil)

func (s *Stream) Tracks() []core.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Track wraps one captured device track. Enabled is a display-layer flag
// mirrored to the peer by the media-state synchronizer; the underlying
// track keeps flowing.
type Track struct {
	local webrtc.TrackLocal
	kind  webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
}

var _ core.MediaTrack = (*Track)(nil)

func newTrack(local webrtc.TrackLocal, kind webrtc.RTPCodecType) *Track {
	return &Track{local: local, kind: kind, enabled: true}
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *Track) Local() webrtc.TrackLocal { return t.local }
