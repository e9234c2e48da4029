package domain

import "time"

type InviteID string

// Invitation is the lightweight pre-session record that lets a receiver
// accept or decline before acquiring any media device. Created together
// with the CallSession, resolved exactly once, never reused.
type Invitation struct {
	ID        InviteID   `json:"id"`
	Caller    PeerID     `json:"caller"`
	Receiver  PeerID     `json:"receiver"`
	SessionID SessionID  `json:"sessionId"`
	Status    CallStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}
