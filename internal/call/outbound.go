package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// StartCall begins an outbound attempt: acquires media, writes the offer
// and the invitation, and moves to Calling. Requires Idle.
func (e *Engine) StartCall(ctx context.Context, peer domain.PeerID) (domain.SessionID, error) {
	self, ok := e.identity.Self()
	if !ok {
		return "", core.ErrNotAuthenticated
	}

	sessionID := domain.SessionID("call_" + uuid.NewString())
	inviteID := domain.InviteID("invite_" + uuid.NewString())

	epoch, err := e.reserveAttempt(roleCaller, sessionID, inviteID, peer, StateCalling)
	if err != nil {
		return "", err
	}
	log.Info().Str("module", "call").Str("session", string(sessionID)).Str("peer", string(peer)).Msg("starting call")

	stream, err := e.setupMedia(ctx, epoch)
	if err != nil {
		return "", err
	}

	tr, err := e.setupTransport(epoch, sessionID, self, stream)
	if err != nil {
		return "", err
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		e.abortAttempt(epoch, "error", "Failed to start call. Please try again.")
		return "", err
	}

	now := time.Now().UTC()
	sess := domain.CallSession{
		ID:       sessionID,
		Caller:   self,
		Receiver: peer,
		Offer:    domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
		Status:   domain.StatusPending,
		MediaState: map[domain.PeerID]domain.MediaState{
			self: {UpdatedAt: now},
		},
		CreatedAt: now,
	}
	// Offer and invitation are critical writes: no retry, failure aborts.
	if err := e.channel.CreateSession(ctx, sess); err != nil {
		e.abortAttempt(epoch, "error", "Failed to start call. Please try again.")
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := e.invites.Send(ctx, domain.Invitation{
		ID:        inviteID,
		Caller:    self,
		Receiver:  peer,
		SessionID: sessionID,
		Status:    domain.StatusPending,
		CreatedAt: now,
	}); err != nil {
		e.abortAttempt(epoch, "error", "Failed to start call. Please try again.")
		return "", fmt.Errorf("send invitation: %w", err)
	}

	if err := e.subscribeAttempt(epoch, sessionID); err != nil {
		return "", err
	}

	em := e.newEmitter()
	em.notify("info", fmt.Sprintf("Calling %s...", peer))
	e.flush(em)
	return sessionID, nil
}

// reserveAttempt claims the single attempt slot. Anything but Idle is
// rejected with ErrCallBusy and leaves the current call untouched.
func (e *Engine) reserveAttempt(r role, sessionID domain.SessionID, inviteID domain.InviteID, peer domain.PeerID, next State) (uint64, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return 0, core.ErrCallBusy
	}
	e.epoch++
	epoch := e.epoch
	e.att = &attempt{
		epoch:     epoch,
		role:      r,
		sessionID: sessionID,
		inviteID:  inviteID,
		peer:      peer,
		local:     domain.MediaState{UpdatedAt: time.Now().UTC()},
	}
	e.state = next
	em := e.newEmitter()
	em.stateChanged = true
	e.mu.Unlock()
	e.flush(em)
	return epoch, nil
}

// setupMedia acquires local devices, degrading to audio-only when video is
// unavailable. A full refusal aborts the attempt with ErrPermissionDenied;
// no peer connection exists at that point.
func (e *Engine) setupMedia(ctx context.Context, epoch uint64) (core.MediaStream, error) {
	stream, err := e.media.Acquire(ctx, true, true)
	audioOnly := false
	if err != nil {
		stream, err = e.media.Acquire(ctx, false, true)
		if err != nil {
			e.abortAttempt(epoch, "error", "Please allow access to microphone and camera")
			return nil, fmt.Errorf("acquire media: %w", core.ErrPermissionDenied)
		}
		audioOnly = true
	}

	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch {
		e.mu.Unlock()
		stream.Close()
		return nil, context.Canceled
	}
	e.att.stream = stream
	e.att.audioOnly = audioOnly
	var em *emitter
	if audioOnly {
		em = e.newEmitter()
		em.notify("warn", "Camera unavailable, continuing audio-only")
		em.stateChanged = true
	}
	e.mu.Unlock()
	e.flush(em)
	return stream, nil
}

// setupTransport builds the attempt's fresh peer connection, wires its
// callbacks under the attempt's epoch and starts it.
func (e *Engine) setupTransport(epoch uint64, sessionID domain.SessionID, self domain.PeerID, stream core.MediaStream) (core.PeerTransport, error) {
	tr, err := e.newTransport(stream.Tracks())
	if err != nil {
		e.abortAttempt(epoch, "error", "Failed to start call. Please try again.")
		return nil, fmt.Errorf("new transport: %w", err)
	}

	tr.OnLocalCandidate(func(ci webrtc.ICECandidateInit) {
		e.postLocalCandidate(epoch, sessionID, self, ci)
	})
	tr.OnStateChange(func(s webrtc.PeerConnectionState) {
		e.handleTransportState(epoch, s)
	})
	tr.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		log.Info().Str("module", "call").Str("kind", t.Kind().String()).Msg("remote track attached")
	})

	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch {
		e.mu.Unlock()
		tr.Close()
		return nil, context.Canceled
	}
	e.att.transport = tr
	baseCtx := e.ctx
	e.mu.Unlock()

	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if err := tr.Start(baseCtx); err != nil {
		e.abortAttempt(epoch, "error", "Failed to start call. Please try again.")
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return tr, nil
}

// subscribeAttempt attaches the session and candidate subscriptions and
// arms the attempt timers.
func (e *Engine) subscribeAttempt(epoch uint64, sessionID domain.SessionID) error {
	sessSub, err := e.channel.SubscribeSession(sessionID, func(s domain.CallSession) {
		e.handleSessionChange(epoch, s)
	})
	if err != nil {
		e.abortAttempt(epoch, "error", "Lost connection to the signaling service")
		return fmt.Errorf("subscribe session: %w", err)
	}
	candSub, err := e.channel.SubscribeCandidates(sessionID, func(c domain.CandidateRecord) {
		e.handleCandidate(epoch, c)
	})
	if err != nil {
		sessSub()
		e.abortAttempt(epoch, "error", "Lost connection to the signaling service")
		return fmt.Errorf("subscribe candidates: %w", err)
	}

	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch {
		e.mu.Unlock()
		sessSub()
		candSub()
		return context.Canceled
	}
	e.att.subs = append(e.att.subs, sessSub, candSub)
	if e.att.role == roleCaller {
		e.att.timers = append(e.att.timers, time.AfterFunc(e.inviteTimeout, func() {
			e.handleInviteTimeout(epoch)
		}))
	}
	e.att.timers = append(e.att.timers, time.AfterFunc(e.connectTimeout, func() {
		e.handleConnectTimeout(epoch)
	}))
	e.mu.Unlock()
	return nil
}

// abortAttempt tears the attempt down if it is still the live one.
func (e *Engine) abortAttempt(epoch uint64, level, msg string) {
	e.mu.Lock()
	if e.att == nil || e.att.epoch != epoch {
		e.mu.Unlock()
		return
	}
	em := e.newEmitter()
	if msg != "" {
		em.notify(level, msg)
	}
	e.teardownLocked(em)
	e.mu.Unlock()
	e.flush(em)
}

// EndCall marks the session ended and tears down locally. The local
// teardown never waits on the remote write: the merge runs detached and
// its failure only logs.
func (e *Engine) EndCall() {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	sid := e.att.sessionID
	em := e.newEmitter()
	em.notify("info", "Call ended")
	e.teardownLocked(em)
	e.mu.Unlock()

	go e.writeEnded(sid)
	e.flush(em)
}

// writeEnded records {ended, endedBy} on the session document.
func (e *Engine) writeEnded(sid domain.SessionID) {
	self := e.self()
	ended := true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.channel.MergeSession(ctx, sid, domain.SessionPatch{Ended: &ended, EndedBy: &self}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("session", string(sid)).Msg("ended write failed")
	}
}
