package domain

import "time"

type SessionID string

// CallStatus is the negotiation status stored in the session document.
// pending -> accepted and pending -> rejected are the only transitions;
// nothing ever moves back to pending.
type CallStatus string

const (
	StatusPending  CallStatus = "pending"
	StatusAccepted CallStatus = "accepted"
	StatusRejected CallStatus = "rejected"
)

// SessionDescription is the {type, sdp} pair exchanged during negotiation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) Empty() bool { return d.SDP == "" }

// MediaState is one participant's declared mute/video intent. Last writer
// wins per participant key; a participant only ever writes its own key.
type MediaState struct {
	Muted     bool      `json:"muted"`
	VideoOff  bool      `json:"videoOff"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CallSession is the shared signaling document for one call attempt.
// The caller is the authoritative writer of Offer, the receiver of Answer;
// either side may set Ended.
type CallSession struct {
	ID         SessionID              `json:"id"`
	Caller     PeerID                 `json:"caller"`
	Receiver   PeerID                 `json:"receiver"`
	Offer      SessionDescription     `json:"offer"`
	Answer     SessionDescription     `json:"answer,omitempty"`
	Status     CallStatus             `json:"status"`
	Ended      bool                   `json:"ended"`
	EndedBy    PeerID                 `json:"endedBy,omitempty"`
	MediaState map[PeerID]MediaState  `json:"mediaState,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Other returns the remote participant from self's point of view.
func (s *CallSession) Other(self PeerID) PeerID {
	if s.Caller == self {
		return s.Receiver
	}
	return s.Caller
}

// SessionPatch is a partial update applied by MergeSession. Nil fields are
// left untouched; MediaState entries are merged per participant key.
type SessionPatch struct {
	Status     *CallStatus
	Answer     *SessionDescription
	Ended      *bool
	EndedBy    *PeerID
	MediaState map[PeerID]MediaState
}

// Apply merges a partial update into the document. Terminal facts stay
// terminal: a resolved status never changes, ended never unsets, and answer
// and endedBy are write-once. MediaState entries merge per participant key.
func (s *CallSession) Apply(p SessionPatch) {
	if p.Status != nil && s.Status == StatusPending {
		s.Status = *p.Status
	}
	if p.Answer != nil && s.Answer.Empty() {
		s.Answer = *p.Answer
	}
	if p.Ended != nil && *p.Ended {
		s.Ended = true
	}
	if p.EndedBy != nil && s.EndedBy == "" {
		s.EndedBy = *p.EndedBy
	}
	if len(p.MediaState) > 0 {
		if s.MediaState == nil {
			s.MediaState = make(map[PeerID]MediaState)
		}
		for k, v := range p.MediaState {
			s.MediaState[k] = v
		}
	}
}

// CandidateRecord is one entry of the per-session append-only ICE log.
type CandidateRecord struct {
	Candidate     string    `json:"candidate"`
	SDPMid        string    `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16    `json:"sdpMLineIndex,omitempty"`
	Source        PeerID    `json:"source"`
	AddedAt       time.Time `json:"addedAt"`
}
