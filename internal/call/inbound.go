package call

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// JoinCall answers an existing session: applies the stored offer, writes
// {status: accepted, answer} and moves to Connecting. Requires Idle.
func (e *Engine) JoinCall(ctx context.Context, sessionID domain.SessionID, peer domain.PeerID) error {
	self, ok := e.identity.Self()
	if !ok {
		return core.ErrNotAuthenticated
	}

	epoch, err := e.reserveAttempt(roleReceiver, sessionID, "", peer, StateConnecting)
	if err != nil {
		return err
	}
	log.Info().Str("module", "call").Str("session", string(sessionID)).Str("peer", string(peer)).Msg("joining call")

	sess, err := e.channel.GetSession(ctx, sessionID)
	if err != nil || sess.Offer.Empty() {
		e.abortAttempt(epoch, "error", "Call data not found")
		if err == nil {
			err = core.ErrInvalidSession
		}
		return fmt.Errorf("join %s: %w", sessionID, err)
	}
	if sess.Ended {
		e.abortAttempt(epoch, "info", "Call ended")
		return core.ErrInvalidSession
	}

	// Media first: a permission refusal must abort before any peer
	// connection object exists.
	stream, err := e.setupMedia(ctx, epoch)
	if err != nil {
		return err
	}

	tr, err := e.setupTransport(epoch, sessionID, self, stream)
	if err != nil {
		return err
	}

	offer, err := sdpFromDomain(sess.Offer)
	if err != nil {
		e.abortAttempt(epoch, "error", "Call data not found")
		return fmt.Errorf("join %s: %w", sessionID, core.ErrInvalidSession)
	}
	answer, err := tr.AcceptOffer(offer)
	if err != nil {
		e.abortAttempt(epoch, "error", "Failed to join call")
		return fmt.Errorf("accept offer: %w", err)
	}

	accepted := domain.StatusAccepted
	patch := domain.SessionPatch{
		Status: &accepted,
		Answer: &domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
		MediaState: map[domain.PeerID]domain.MediaState{
			self: {UpdatedAt: time.Now().UTC()},
		},
	}
	// The answer is a critical write: failure aborts the attempt.
	if err := e.channel.MergeSession(ctx, sessionID, patch); err != nil {
		e.abortAttempt(epoch, "error", "Failed to join call")
		return fmt.Errorf("write answer: %w", err)
	}

	return e.subscribeAttempt(epoch, sessionID)
}

// AcceptInvite resolves the invitation and joins its session. Requires
// Idle; the invitation stays accepted even if joining fails afterwards.
func (e *Engine) AcceptInvite(ctx context.Context, id domain.InviteID) error {
	e.mu.Lock()
	inv, ok := e.inbox[id]
	if !ok {
		e.mu.Unlock()
		return core.ErrInvalidSession
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return core.ErrCallBusy
	}
	delete(e.inbox, id)
	e.mu.Unlock()

	if err := e.invites.Respond(ctx, id, true); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("invite", string(id)).Msg("accept write failed")
	}
	return e.JoinCall(ctx, inv.SessionID, inv.Caller)
}

// DeclineInvite resolves the invitation negatively and marks the session
// rejected so the caller sees the decline.
func (e *Engine) DeclineInvite(ctx context.Context, id domain.InviteID) error {
	e.mu.Lock()
	inv, ok := e.inbox[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.inbox, id)
	e.mu.Unlock()

	if err := e.invites.Respond(ctx, id, false); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("invite", string(id)).Msg("decline write failed")
	}
	rejected := domain.StatusRejected
	if err := e.channel.MergeSession(ctx, inv.SessionID, domain.SessionPatch{Status: &rejected}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("session", string(inv.SessionID)).Msg("reject write failed")
	}

	em := e.newEmitter()
	em.notify("info", "Call declined")
	e.flush(em)
	return nil
}

// handleInvite receives invitation events from the notifier subscription.
func (e *Engine) handleInvite(inv domain.Invitation) {
	e.mu.Lock()
	if _, seen := e.inbox[inv.ID]; seen {
		e.mu.Unlock()
		return
	}
	e.inbox[inv.ID] = inv
	em := e.newEmitter()
	em.notify("info", fmt.Sprintf("Incoming call from %s", inv.Caller))
	em.invites = append(em.invites, inv)
	e.mu.Unlock()
	e.flush(em)
}
