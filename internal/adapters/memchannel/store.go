// Package memchannel is an in-process implementation of the signaling relay
// contract. It keeps the semantics of the hosted document store it stands in
// for: at-least-once async delivery, subscribers see their own writes, no
// ordering between a write and a remote read. One Store shared by two
// clients in the same process is the single-host deployment; tests use it as
// the reference relay.
package memchannel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

type docSub struct {
	queue    *deliveryQueue
	onChange func(domain.CallSession)
}

type candSub struct {
	queue *deliveryQueue
	onAdd func(domain.CandidateRecord)
}

type sessionDoc struct {
	data    domain.CallSession
	docSubs map[*docSub]struct{}
}

// candLog lives apart from the session document: candidates may be appended
// and subscribed before the session write is visible, like subcollections in
// the hosted store.
type candLog struct {
	records []domain.CandidateRecord
	subs    map[*candSub]struct{}
}

type Store struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*sessionDoc
	cands    map[domain.SessionID]*candLog

	invites    map[domain.InviteID]*domain.Invitation
	inviteSubs map[*inviteSub]struct{}

	closed bool
}

var _ core.SignalChannel = (*Store)(nil)
var _ core.InviteNotifier = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:   make(map[domain.SessionID]*sessionDoc),
		cands:      make(map[domain.SessionID]*candLog),
		invites:    make(map[domain.InviteID]*domain.Invitation),
		inviteSubs: make(map[*inviteSub]struct{}),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess domain.CallSession) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrChannelUnavailable
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return core.ErrSessionExists
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	s.sessions[sess.ID] = &sessionDoc{
		data:    copySession(sess),
		docSubs: make(map[*docSub]struct{}),
	}
	log.Debug().Str("module", "memchannel").Str("session", string(sess.ID)).Msg("session created")
	return nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.CallSession{}, core.ErrChannelUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.sessions[id]
	if !ok {
		return domain.CallSession{}, core.ErrInvalidSession
	}
	return copySession(doc.data), nil
}

func (s *Store) MergeSession(ctx context.Context, id domain.SessionID, patch domain.SessionPatch) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrChannelUnavailable
	}
	doc, ok := s.sessions[id]
	if !ok {
		return core.ErrInvalidSession
	}
	doc.data.Apply(patch)
	for sub := range doc.docSubs {
		sub := sub
		snap := copySession(doc.data)
		sub.queue.Enqueue(func() { sub.onChange(snap) })
	}
	return nil
}

// SubscribeSession delivers the full current document immediately and again
// after every write, the subscriber's own included.
func (s *Store) SubscribeSession(id domain.SessionID, onChange func(domain.CallSession)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrInvalidSession
	}
	sub := &docSub{queue: newDeliveryQueue(), onChange: onChange}
	doc.docSubs[sub] = struct{}{}
	snap := copySession(doc.data)
	sub.queue.Enqueue(func() { sub.onChange(snap) })

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(doc.docSubs, sub)
			s.mu.Unlock()
			sub.queue.Close()
		})
	}, nil
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.SessionID, c domain.CandidateRecord) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrChannelUnavailable
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	cl := s.candLogLocked(id)
	cl.records = append(cl.records, c)
	for sub := range cl.subs {
		sub := sub
		rec := c
		sub.queue.Enqueue(func() { sub.onAdd(rec) })
	}
	return nil
}

// SubscribeCandidates delivers each record at most once per subscriber:
// records appended before the subscription that this subscriber has never
// seen are replayed in order, then new appends follow.
func (s *Store) SubscribeCandidates(id domain.SessionID, onAdd func(domain.CandidateRecord)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := s.candLogLocked(id)
	sub := &candSub{queue: newDeliveryQueue(), onAdd: onAdd}
	cl.subs[sub] = struct{}{}
	for _, rec := range cl.records {
		rec := rec
		sub.queue.Enqueue(func() { sub.onAdd(rec) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(cl.subs, sub)
			s.mu.Unlock()
			sub.queue.Close()
		})
	}, nil
}

func (s *Store) candLogLocked(id domain.SessionID) *candLog {
	cl, ok := s.cands[id]
	if !ok {
		cl = &candLog{subs: make(map[*candSub]struct{})}
		s.cands[id] = cl
	}
	return cl
}

// Close shuts down every subscription queue. Subsequent writes fail with
// ErrChannelUnavailable.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var queues []*deliveryQueue
	for _, doc := range s.sessions {
		for sub := range doc.docSubs {
			queues = append(queues, sub.queue)
		}
		doc.docSubs = make(map[*docSub]struct{})
	}
	for _, cl := range s.cands {
		for sub := range cl.subs {
			queues = append(queues, sub.queue)
		}
		cl.subs = make(map[*candSub]struct{})
	}
	for sub := range s.inviteSubs {
		queues = append(queues, sub.queue)
	}
	s.inviteSubs = make(map[*inviteSub]struct{})
	s.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}

func copySession(in domain.CallSession) domain.CallSession {
	out := in
	if in.MediaState != nil {
		out.MediaState = make(map[domain.PeerID]domain.MediaState, len(in.MediaState))
		for k, v := range in.MediaState {
			out.MediaState[k] = v
		}
	}
	return out
}
