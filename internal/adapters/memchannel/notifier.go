package memchannel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

type inviteSub struct {
	self      domain.PeerID
	queue     *deliveryQueue
	onInvite  func(domain.Invitation)
	delivered map[domain.InviteID]struct{}
}

// Send publishes a pending invitation. Subscribers for the receiver get it
// exactly once per invitation lifetime.
func (s *Store) Send(ctx context.Context, inv domain.Invitation) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrChannelUnavailable
	}
	if inv.Status == "" {
		inv.Status = domain.StatusPending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	stored := inv
	s.invites[inv.ID] = &stored
	for sub := range s.inviteSubs {
		s.deliverInviteLocked(sub, &stored)
	}
	log.Debug().Str("module", "memchannel").Str("invite", string(inv.ID)).Str("receiver", string(inv.Receiver)).Msg("invite sent")
	return nil
}

// Subscribe delivers pending invitations addressed to self, both those
// already waiting and ones sent later. Resolved invitations are never
// (re)delivered.
func (s *Store) Subscribe(self domain.PeerID, onInvite func(domain.Invitation)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrChannelUnavailable
	}
	sub := &inviteSub{
		self:      self,
		queue:     newDeliveryQueue(),
		onInvite:  onInvite,
		delivered: make(map[domain.InviteID]struct{}),
	}
	s.inviteSubs[sub] = struct{}{}
	for _, inv := range s.invites {
		s.deliverInviteLocked(sub, inv)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inviteSubs, sub)
			s.mu.Unlock()
			sub.queue.Close()
		})
	}, nil
}

// Respond resolves a pending invitation. Responding again, or to an unknown
// id, is a no-op.
func (s *Store) Respond(ctx context.Context, id domain.InviteID, accepted bool) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrChannelUnavailable
	}
	inv, ok := s.invites[id]
	if !ok || inv.Status != domain.StatusPending {
		return nil
	}
	if accepted {
		inv.Status = domain.StatusAccepted
	} else {
		inv.Status = domain.StatusRejected
	}
	log.Debug().Str("module", "memchannel").Str("invite", string(id)).Bool("accepted", accepted).Msg("invite resolved")
	return nil
}

func (s *Store) deliverInviteLocked(sub *inviteSub, inv *domain.Invitation) {
	if inv.Receiver != sub.self || inv.Status != domain.StatusPending {
		return
	}
	if _, seen := sub.delivered[inv.ID]; seen {
		return
	}
	sub.delivered[inv.ID] = struct{}{}
	snap := *inv
	sub.queue.Enqueue(func() { sub.onInvite(snap) })
}
