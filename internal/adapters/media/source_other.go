//go:build !linux

package media

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
)

// Source is the non-Linux stand-in: no device capture, calls run
// receive-only. Camera/mic via pion/mediadevices needs platform drivers
// that only ship for V4L2/malgo.
type Source struct{}

var _ core.MediaSource = (*Source)(nil)

func NewSource() (*Source, error) { return &Source{}, nil }

func (s *Source) WebRTCAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func (s *Source) Acquire(ctx context.Context, video, audio bool) (core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Warn().Str("module", "media").Msg("no device capture on this platform, receive-only")
	return &Stream{}, nil
}
