package fschannel

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

type inviteSub struct {
	self      domain.PeerID
	onInvite  func(domain.Invitation)
	delivered map[domain.InviteID]struct{}
}

func (s *Store) invitePath(id domain.InviteID) string {
	return filepath.Join(s.root, invitesDir, string(id)+".json")
}

// Send publishes one invitation file. The watch loop fans it out to every
// subscriber whose identity matches the receiver.
func (s *Store) Send(ctx context.Context, inv domain.Invitation) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	if inv.Status == "" {
		inv.Status = domain.StatusPending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeJSON(s.invitePath(inv.ID), inv); err != nil {
		return wrapIO(err)
	}
	log.Debug().Str("module", "fschannel").Str("invite", string(inv.ID)).Str("receiver", string(inv.Receiver)).Msg("invite sent")
	return nil
}

// Subscribe replays pending invitations already on disk, then follows new
// files. Resolved invitations are never delivered.
func (s *Store) Subscribe(self domain.PeerID, onInvite func(domain.Invitation)) (core.Unsubscribe, error) {
	sub := &inviteSub{
		self:      self,
		onInvite:  onInvite,
		delivered: make(map[domain.InviteID]struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrChannelUnavailable
	}
	s.inviteSubs[sub] = struct{}{}
	s.mu.Unlock()

	go s.replayInvites(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inviteSubs, sub)
			s.mu.Unlock()
		})
	}, nil
}

// Respond resolves a pending invitation in place. Unknown ids and already
// resolved invitations are no-ops.
func (s *Store) Respond(ctx context.Context, id domain.InviteID, accepted bool) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var inv domain.Invitation
	if err := readJSON(s.invitePath(id), &inv); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return wrapIO(err)
	}
	if inv.Status != domain.StatusPending {
		return nil
	}
	if accepted {
		inv.Status = domain.StatusAccepted
	} else {
		inv.Status = domain.StatusRejected
	}
	if err := writeJSON(s.invitePath(id), inv); err != nil {
		return wrapIO(err)
	}
	log.Debug().Str("module", "fschannel").Str("invite", string(id)).Bool("accepted", accepted).Msg("invite resolved")
	return nil
}

func (s *Store) replayInvites(sub *inviteSub) {
	dir := filepath.Join(s.root, invitesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("module", "fschannel").Msg("invite replay")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		s.deliverInvite(filepath.Join(dir, name), sub)
	}
}

// deliverInvite hands one invitation file to one subscriber if it is pending,
// addressed to them and not delivered before.
func (s *Store) deliverInvite(path string, sub *inviteSub) {
	var inv domain.Invitation
	if err := readJSON(path, &inv); err != nil {
		log.Warn().Err(err).Str("module", "fschannel").Str("file", filepath.Base(path)).Msg("unreadable invite")
		return
	}
	if inv.Receiver != sub.self || inv.Status != domain.StatusPending {
		return
	}
	s.mu.Lock()
	if _, seen := sub.delivered[inv.ID]; seen {
		s.mu.Unlock()
		return
	}
	sub.delivered[inv.ID] = struct{}{}
	s.mu.Unlock()
	sub.onInvite(inv)
}

func (s *Store) dispatchInvite(path string) {
	s.mu.Lock()
	subs := make([]*inviteSub, 0, len(s.inviteSubs))
	for sub := range s.inviteSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.deliverInvite(path, sub)
	}
}
