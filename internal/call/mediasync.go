package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// ToggleMute flips the local microphone. The track switch is immediate; the
// session-document write is asynchronous and non-blocking, so the remote
// indicator may lag the actual audio.
func (e *Engine) ToggleMute() (bool, error) {
	return e.toggleLocal(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the local camera track.
func (e *Engine) ToggleVideo() (bool, error) {
	return e.toggleLocal(webrtc.RTPCodecTypeVideo)
}

func (e *Engine) toggleLocal(kind webrtc.RTPCodecType) (bool, error) {
	e.mu.Lock()
	if e.att == nil {
		e.mu.Unlock()
		return false, core.ErrNoActiveCall
	}
	att := e.att
	epoch := att.epoch

	var off bool
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		att.local.Muted = !att.local.Muted
		off = att.local.Muted
	case webrtc.RTPCodecTypeVideo:
		att.local.VideoOff = !att.local.VideoOff
		off = att.local.VideoOff
	}
	att.local.UpdatedAt = time.Now().UTC()

	var tracks []core.MediaTrack
	if att.stream != nil {
		tracks = att.stream.Tracks()
	}
	self := e.self()
	sid := att.sessionID
	state := att.local
	em := e.newEmitter()
	em.stateChanged = true
	e.mu.Unlock()

	for _, t := range tracks {
		if t.Kind() == kind {
			t.SetEnabled(!off)
		}
	}

	go e.syncMediaState(epoch, sid, self, state)
	e.flush(em)
	return off, nil
}

// syncMediaState merges this client's media-state entry into the session
// document. One retry, then the update is dropped with a log line; a later
// toggle carries the fresher state anyway.
func (e *Engine) syncMediaState(epoch uint64, sid domain.SessionID, self domain.PeerID, state domain.MediaState) {
	if !e.epochAlive(epoch) {
		return
	}
	patch := domain.SessionPatch{
		MediaState: map[domain.PeerID]domain.MediaState{self: state},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.channel.MergeSession(ctx, sid, patch); err != nil {
		if err = e.channel.MergeSession(ctx, sid, patch); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("session", string(sid)).Msg("media state write dropped")
		}
	}
}
