// Package rtc wraps one pion PeerConnection per call attempt behind the
// core.PeerTransport contract. Instances are single-use: a new attempt
// always builds a fresh connection through the Factory.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
)

type Connection struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	onICE     func(webrtc.ICECandidateInit)
	onState   func(webrtc.PeerConnectionState)
	onTrack   func(*webrtc.TrackRemote)

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	remote    []*webrtc.TrackRemote
	closed    bool
}

var _ core.PeerTransport = (*Connection)(nil)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
		},
		ICECandidatePoolSize: 10,
	}
}

// NewConnection builds the single peer connection of one call attempt.
// api carries the media engine matching the local track codecs; nil falls
// back to pion's default engine.
func NewConnection(api *webrtc.API, cfg webrtc.Configuration, tracks []core.MediaTrack) (*Connection, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc}
	if len(tracks) == 0 {
		// No local media: add recvonly transceivers so the SDP still carries
		// valid m-lines with ICE credentials.
		addRecvOnlyTransceivers(pc)
	}
	for _, t := range tracks {
		if _, err := pc.AddTrack(t.Local()); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return c, nil
}

// Factory returns a core.TransportFactory bound to the given ICE
// configuration. Each call produces a fresh Connection.
func Factory(api *webrtc.API, cfg webrtc.Configuration) core.TransportFactory {
	return func(tracks []core.MediaTrack) (core.PeerTransport, error) {
		return NewConnection(api, cfg, tracks)
	}
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
		if c.onState != nil {
			c.onState(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.Lock()
		c.remote = append(c.remote, track)
		c.mu.Unlock()
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})

	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	c.flushPending()
	return nil
}

func (c *Connection) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.flushPending()
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AddRemoteCandidate applies a remote candidate, queueing it when the remote
// description has not landed yet. Queued candidates are flushed in arrival
// order, never dropped.
func (c *Connection) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) flushPending() {
	c.mu.Lock()
	c.remoteSet = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ci := range queued {
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("flush queued candidate")
		}
	}
}

// RemoteTracks returns every remote track received so far, the outward-facing
// remote stream of this attempt.
func (c *Connection) RemoteTracks() []*webrtc.TrackRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(c.remote))
	copy(out, c.remote)
	return out
}

func (c *Connection) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }

func (c *Connection) OnRemoteTrack(fn func(*webrtc.TrackRemote)) { c.onTrack = fn }

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// addRecvOnlyTransceivers keeps CreateOffer/CreateAnswer producing valid
// m-lines when no local media could be attached.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("kind", kind.String()).Msg("add transceiver")
		}
	}
}
