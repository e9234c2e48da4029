// Package roster holds the static friends list calls may be offered to.
package roster

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// Roster is the set of peers this client may call. Fed from config at
// startup; entries that fail validation are dropped with a log line.
type Roster struct {
	self    domain.PeerID
	friends map[domain.PeerID]struct{}
}

func New(self domain.PeerID, friends []string) *Roster {
	r := &Roster{self: self, friends: make(map[domain.PeerID]struct{})}
	for _, f := range friends {
		id, err := domain.ParsePeerID(f)
		if err != nil {
			log.Warn().Err(err).Str("module", "roster").Str("entry", f).Msg("invalid roster entry")
			continue
		}
		if id == self {
			continue
		}
		r.friends[id] = struct{}{}
	}
	return r
}

// Allowed reports whether a call may be offered to p.
func (r *Roster) Allowed(p domain.PeerID) bool {
	_, ok := r.friends[p]
	return ok
}

// List returns the roster in stable order.
func (r *Roster) List() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(r.friends))
	for p := range r.friends {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
