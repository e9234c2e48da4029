//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
)

// Source captures camera and microphone through pion/mediadevices.
type Source struct {
	selector *mediadevices.CodecSelector
}

var _ core.MediaSource = (*Source)(nil)

func NewSource() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Source{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// WebRTCAPI builds a pion API whose media engine matches the codecs this
// source encodes with. Peer connections carrying our tracks must come from
// this API.
func (s *Source) WebRTCAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	s.selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// Acquire opens the requested devices. Device-open failures surface as
// ErrPermissionDenied; the engine decides whether to retry audio-only.
func (s *Source) Acquire(ctx context.Context, video, audio bool) (core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw frame formats only: some cameras expose an MJPEG node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Bool("video", video).Bool("audio", audio).Msg("GetUserMedia failed")
		return nil, fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	}

	devTracks := ms.GetTracks()
	stream := &Stream{}
	for _, dt := range devTracks {
		dt.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("local track ended")
			}
		})
		stream.tracks = append(stream.tracks, newTrack(dt, dt.Kind()))
	}
	stream.stop = func() {
		for _, dt := range devTracks {
			if err := dt.Close(); err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("track close")
			}
		}
	}
	log.Info().Str("module", "media").Int("tracks", len(devTracks)).Bool("video", video).Msg("local media captured")
	return stream, nil
}
