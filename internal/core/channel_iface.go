package core

import (
	"context"

	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// Unsubscribe releases one subscription. Safe to call more than once.
type Unsubscribe func()

// SignalChannel is the contract over the shared persisted-document store
// used as the signaling relay. The store is eventually consistent and
// delivery is at-least-once: subscribers must tolerate duplicates, and no
// ordering holds between a write and a remote read beyond "eventually
// visible". Session-document subscriptions see the subscriber's own writes.
type SignalChannel interface {
	// CreateSession writes a new session document, failing with
	// ErrSessionExists if the id was ever used.
	CreateSession(ctx context.Context, s domain.CallSession) error

	// GetSession reads the current session document. ErrInvalidSession if
	// the id is unknown.
	GetSession(ctx context.Context, id domain.SessionID) (domain.CallSession, error)

	// MergeSession applies a partial update without clobbering untouched
	// fields. MediaState entries merge per participant key.
	MergeSession(ctx context.Context, id domain.SessionID, patch domain.SessionPatch) error

	// SubscribeSession delivers the full current document once on subscribe
	// and again after every subsequent write, including the subscriber's own.
	SubscribeSession(id domain.SessionID, onChange func(domain.CallSession)) (Unsubscribe, error)

	// AppendCandidate appends to the per-session candidate log.
	AppendCandidate(ctx context.Context, id domain.SessionID, c domain.CandidateRecord) error

	// SubscribeCandidates delivers every record of the session's candidate
	// log at most once per subscriber: history the subscriber has not seen
	// is replayed in append order, then new appends follow. A subscriber
	// arriving after the remote side finished gathering still receives
	// every candidate.
	SubscribeCandidates(id domain.SessionID, onAdd func(domain.CandidateRecord)) (Unsubscribe, error)
}

// InviteNotifier is the separate pub/sub for incoming-call notifications.
// Decoupled from the session document so a callee can decline without ever
// acquiring media or creating a peer connection.
type InviteNotifier interface {
	// Send publishes a pending invitation addressed to inv.Receiver.
	Send(ctx context.Context, inv domain.Invitation) error

	// Subscribe delivers each pending invitation addressed to self exactly
	// once per invitation lifetime; resolved invitations are not redelivered.
	Subscribe(self domain.PeerID, onInvite func(domain.Invitation)) (Unsubscribe, error)

	// Respond records accept/decline. Idempotent: responding to an already
	// resolved invitation is a no-op.
	Respond(ctx context.Context, id domain.InviteID, accepted bool) error
}
