package core

import "github.com/Sarvesh2424/codecollab/internal/domain"

// IdentityProvider supplies the stable identity of this client. All sign-in
// and sign-out flows live outside the core; the engine only consumes the
// current identity and whether one is present.
type IdentityProvider interface {
	Self() (domain.PeerID, bool)
}

// StaticIdentity is an IdentityProvider fixed at construction, used by the
// host binary (identity from config) and by tests.
type StaticIdentity domain.PeerID

func (s StaticIdentity) Self() (domain.PeerID, bool) {
	return domain.PeerID(s), s != ""
}
