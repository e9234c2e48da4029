// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxPeerIDLen = 254

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
)

// PeerID is the opaque identity of a participant, an account email in
// practice. The core never inspects it beyond equality checks.
type PeerID string

func ParsePeerID(s string) (PeerID, error) {
	if len(s) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(s) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	return PeerID(s), nil
}
