package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerTransport wraps exactly one native peer-connection per call attempt.
// A new attempt always gets a fresh instance from the factory; instances
// are never reused after Close.
type PeerTransport interface {
	// Start configures internal callbacks. Must be called after the On*
	// handlers are set and before any negotiation method.
	Start(ctx context.Context) error

	// CreateOffer produces and installs the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptAnswer sets the remote description from the peer's answer.
	AcceptAnswer(webrtc.SessionDescription) error
	// AcceptOffer sets the remote description from the peer's offer and
	// returns the installed local answer.
	AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// AddRemoteCandidate applies a remote ICE candidate. Candidates arriving
	// before the remote description is set are queued and flushed once it
	// lands, never dropped.
	AddRemoteCandidate(webrtc.ICECandidateInit) error

	// OnLocalCandidate sets the callback for newly gathered local candidates.
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets the callback for peer-connection state transitions.
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnRemoteTrack sets the callback for each arriving remote track.
	OnRemoteTrack(func(*webrtc.TrackRemote))

	// Close stops the underlying connection. Idempotent.
	Close()
	IsClosed() bool
}

// TransportFactory builds one PeerTransport per call attempt with the given
// local tracks already attached.
type TransportFactory func(tracks []MediaTrack) (PeerTransport, error)
