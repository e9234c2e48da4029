package core

import "errors"

var (
	// ErrSessionExists is returned by CreateSession when the id was already
	// written. Session ids are single-use.
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidSession means a join was requested for an id with no stored
	// offer (or no session at all).
	ErrInvalidSession = errors.New("session has no offer")

	// ErrChannelUnavailable wraps any relay read/write failure. Candidate
	// posts are retried once; offer/answer writes abort the attempt.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")

	// ErrCallBusy rejects a start/join while a call attempt is active.
	ErrCallBusy = errors.New("another call is active")

	// ErrPermissionDenied means the media device source refused access.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrPeerUnreachable means negotiation never reached connected within
	// the configured bound.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrNotAuthenticated is returned when a call action is attempted before
	// the identity provider has a stable identity.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoActiveCall rejects media toggles outside an active attempt.
	ErrNoActiveCall = errors.New("no active call")
)
