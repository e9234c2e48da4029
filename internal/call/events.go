package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// handleSessionChange reacts to every session-document snapshot. Deliveries
// are at-least-once and unordered; everything here is idempotent.
func (e *Engine) handleSessionChange(epoch uint64, sess domain.CallSession) {
	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch {
		e.mu.Unlock()
		return
	}
	att := e.att
	em := e.newEmitter()

	if sess.Ended {
		att.terminalSeen = true
		em.notify("info", "Call ended")
		e.teardownLocked(em)
		e.mu.Unlock()
		e.flush(em)
		return
	}
	if sess.Status == domain.StatusRejected {
		att.terminalSeen = true
		if att.role == roleCaller {
			em.notify("info", fmt.Sprintf("%s declined the call", att.peer))
		}
		e.teardownLocked(em)
		e.mu.Unlock()
		e.flush(em)
		return
	}

	// First answer wins; repeats of the same document are no-ops.
	var (
		answer webrtc.SessionDescription
		apply  bool
		tr     core.PeerTransport
	)
	if att.role == roleCaller && !att.answered && !sess.Answer.Empty() {
		if a, err := sdpFromDomain(sess.Answer); err == nil {
			att.answered = true
			answer = a
			apply = true
			tr = att.transport
		} else {
			log.Warn().Err(err).Str("module", "call").Msg("unparseable answer")
		}
	}

	if ms, ok := sess.MediaState[att.peer]; ok {
		if !att.remoteKnown || ms != att.remote {
			att.remote = ms
			att.remoteKnown = true
			em.stateChanged = true
		}
	}
	e.mu.Unlock()

	if apply {
		if err := tr.AcceptAnswer(answer); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("apply answer")
			e.abortAttempt(epoch, "error", "Failed to establish the call")
			return
		}
		log.Info().Str("module", "call").Msg("remote answer applied")
	}
	e.flush(em)
}

// handleCandidate applies one remote candidate record. Records sourced by
// this client are never applied; the transport queues anything arriving
// before the remote description.
func (e *Engine) handleCandidate(epoch uint64, rec domain.CandidateRecord) {
	self := e.self()
	if rec.Source == self {
		return
	}
	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch || e.att.transport == nil {
		e.mu.Unlock()
		return
	}
	tr := e.att.transport
	e.mu.Unlock()

	ci := webrtc.ICECandidateInit{Candidate: rec.Candidate}
	if rec.SDPMid != "" {
		mid := rec.SDPMid
		ci.SDPMid = &mid
	}
	idx := rec.SDPMLineIndex
	ci.SDPMLineIndex = &idx

	if err := tr.AddRemoteCandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("add remote candidate")
	}
}

// handleTransportState drives the Connected transition and every
// transport-originated termination.
func (e *Engine) handleTransportState(epoch uint64, st webrtc.PeerConnectionState) {
	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch {
		e.mu.Unlock()
		return
	}
	em := e.newEmitter()

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if e.state == StateCalling || e.state == StateConnecting {
			e.state = StateConnected
			em.notify("info", "Call connected!")
			em.stateChanged = true
		}
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		switch e.state {
		case StateConnected:
			em.notify("warn", "Call disconnected")
			e.teardownLocked(em)
		case StateCalling, StateConnecting:
			// A failure racing an observed rejected/ended is not an error:
			// the user already got the terminal notice.
			if !e.att.terminalSeen {
				em.notify("error", "Connection failed")
			}
			e.teardownLocked(em)
		}
	}
	e.mu.Unlock()
	e.flush(em)
}

// handleInviteTimeout expires an unanswered outbound call.
func (e *Engine) handleInviteTimeout(epoch uint64) {
	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch || e.state != StateCalling || e.att.answered {
		e.mu.Unlock()
		return
	}
	sid := e.att.sessionID
	peer := e.att.peer
	em := e.newEmitter()
	em.notify("warn", fmt.Sprintf("No answer from %s", peer))
	e.teardownLocked(em)
	e.mu.Unlock()

	go e.writeEnded(sid)
	e.flush(em)
}

// handleConnectTimeout gives up on a negotiation that never reached the
// connected transport state.
func (e *Engine) handleConnectTimeout(epoch uint64) {
	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch || e.state == StateConnected {
		e.mu.Unlock()
		return
	}
	sid := e.att.sessionID
	peer := e.att.peer
	em := e.newEmitter()
	em.notify("error", fmt.Sprintf("Could not reach %s", peer))
	e.teardownLocked(em)
	e.mu.Unlock()

	go e.writeEnded(sid)
	e.flush(em)
	log.Warn().Str("module", "call").Str("session", string(sid)).Err(core.ErrPeerUnreachable).Msg("connect deadline")
}

// postLocalCandidate publishes one locally gathered candidate. Candidate
// posts are non-critical: one automatic retry, then the record is dropped
// with a log line.
func (e *Engine) postLocalCandidate(epoch uint64, sid domain.SessionID, self domain.PeerID, ci webrtc.ICECandidateInit) {
	if !e.epochAlive(epoch) {
		return
	}
	rec := domain.CandidateRecord{
		Candidate: ci.Candidate,
		Source:    self,
		AddedAt:   time.Now().UTC(),
	}
	if ci.SDPMid != nil {
		rec.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		rec.SDPMLineIndex = *ci.SDPMLineIndex
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.channel.AppendCandidate(ctx, sid, rec); err != nil {
		if err = e.channel.AppendCandidate(ctx, sid, rec); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("session", string(sid)).Msg("candidate dropped after retry")
		}
	}
}

func (e *Engine) epochAlive(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.att != nil && e.att.epoch == epoch
}

func sdpFromDomain(d domain.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}
