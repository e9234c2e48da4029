// Package fschannel is a file-backed implementation of the signaling relay
// contracts over a shared directory (LAN share, sshfs, syncthing folder).
// Each session document is one JSON file, every candidate is an append-only
// file in a per-session directory, invitations are files of their own.
// Writes are tmp-then-rename so watchers never observe partial documents;
// change propagation rides fsnotify events.
package fschannel

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

const (
	sessionsDir   = "sessions"
	candidatesDir = "candidates"
	invitesDir    = "invites"
)

type sessSub struct {
	onChange func(domain.CallSession)
}

type candSub struct {
	onAdd     func(domain.CandidateRecord)
	delivered map[string]struct{} // candidate file names already handed over
}

type Store struct {
	root    string
	watcher *fsnotify.Watcher

	// writeMu serializes read-modify-write cycles within this process.
	// Across processes the rename is atomic but merges are last-writer-wins;
	// the document contract keeps concurrent writers on disjoint fields.
	writeMu sync.Mutex

	mu         sync.Mutex
	sessSubs   map[domain.SessionID]map[*sessSub]struct{}
	candSubs   map[domain.SessionID]map[*candSub]struct{}
	inviteSubs map[*inviteSub]struct{}
	closed     bool
}

var _ core.SignalChannel = (*Store)(nil)
var _ core.InviteNotifier = (*Store)(nil)

// Open prepares the directory layout under root and starts the watch loop.
func Open(root string) (*Store, error) {
	for _, d := range []string{sessionsDir, candidatesDir, invitesDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, err
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &Store{
		root:       root,
		watcher:    w,
		sessSubs:   make(map[domain.SessionID]map[*sessSub]struct{}),
		candSubs:   make(map[domain.SessionID]map[*candSub]struct{}),
		inviteSubs: make(map[*inviteSub]struct{}),
	}
	if err := w.Add(filepath.Join(root, sessionsDir)); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Join(root, invitesDir)); err != nil {
		w.Close()
		return nil, err
	}
	go s.watch()
	log.Info().Str("module", "fschannel").Str("root", root).Msg("relay directory opened")
	return s, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.watcher.Close(); err != nil {
		log.Warn().Err(err).Str("module", "fschannel").Msg("watcher close")
	}
}

func (s *Store) sessionPath(id domain.SessionID) string {
	return filepath.Join(s.root, sessionsDir, string(id)+".json")
}

func (s *Store) candidateDir(id domain.SessionID) string {
	return filepath.Join(s.root, candidatesDir, string(id))
}

func (s *Store) CreateSession(ctx context.Context, sess domain.CallSession) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := os.Stat(s.sessionPath(sess.ID)); err == nil {
		return core.ErrSessionExists
	}
	if err := writeJSON(s.sessionPath(sess.ID), sess); err != nil {
		return wrapIO(err)
	}
	log.Debug().Str("module", "fschannel").Str("session", string(sess.ID)).Msg("session created")
	return nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.CallSession{}, core.ErrChannelUnavailable
	}
	var sess domain.CallSession
	if err := readJSON(s.sessionPath(id), &sess); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.CallSession{}, core.ErrInvalidSession
		}
		return domain.CallSession{}, wrapIO(err)
	}
	return sess, nil
}

func (s *Store) MergeSession(ctx context.Context, id domain.SessionID, patch domain.SessionPatch) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var sess domain.CallSession
	if err := readJSON(s.sessionPath(id), &sess); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.ErrInvalidSession
		}
		return wrapIO(err)
	}
	sess.Apply(patch)
	if err := writeJSON(s.sessionPath(id), sess); err != nil {
		return wrapIO(err)
	}
	return nil
}

// SubscribeSession delivers the current document immediately and again on
// every file change, the subscriber's own writes included.
func (s *Store) SubscribeSession(id domain.SessionID, onChange func(domain.CallSession)) (core.Unsubscribe, error) {
	var sess domain.CallSession
	if err := readJSON(s.sessionPath(id), &sess); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrInvalidSession
		}
		return nil, wrapIO(err)
	}

	sub := &sessSub{onChange: onChange}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrChannelUnavailable
	}
	if s.sessSubs[id] == nil {
		s.sessSubs[id] = make(map[*sessSub]struct{})
	}
	s.sessSubs[id][sub] = struct{}{}
	s.mu.Unlock()

	go onChange(sess)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.sessSubs[id], sub)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.SessionID, c domain.CandidateRecord) error {
	if err := ctx.Err(); err != nil {
		return core.ErrChannelUnavailable
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	dir := s.candidateDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrapIO(err)
	}
	// Nanosecond prefix keeps lexical order equal to append order.
	name := time.Now().UTC().Format("20060102150405.000000000") + "_" + uuid.NewString() + ".json"
	if err := writeJSON(filepath.Join(dir, name), c); err != nil {
		return wrapIO(err)
	}
	return nil
}

// SubscribeCandidates replays the existing log in append order, then follows
// new files. Each record reaches a subscriber at most once.
func (s *Store) SubscribeCandidates(id domain.SessionID, onAdd func(domain.CandidateRecord)) (core.Unsubscribe, error) {
	dir := s.candidateDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapIO(err)
	}
	if err := s.watcher.Add(dir); err != nil {
		return nil, wrapIO(err)
	}

	sub := &candSub{onAdd: onAdd, delivered: make(map[string]struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrChannelUnavailable
	}
	if s.candSubs[id] == nil {
		s.candSubs[id] = make(map[*candSub]struct{})
	}
	s.candSubs[id][sub] = struct{}{}
	s.mu.Unlock()

	// Replay after registration: files racing in are deduplicated by name.
	go s.replayCandidates(id, dir, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.candSubs[id], sub)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) replayCandidates(id domain.SessionID, dir string, sub *candSub) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("module", "fschannel").Str("session", string(id)).Msg("candidate replay")
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
		s.deliverCandidate(id, dir, name, sub)
	}
}

// deliverCandidate hands one candidate file to one subscriber, at most once.
func (s *Store) deliverCandidate(id domain.SessionID, dir, name string, sub *candSub) {
	s.mu.Lock()
	if _, seen := sub.delivered[name]; seen {
		s.mu.Unlock()
		return
	}
	sub.delivered[name] = struct{}{}
	s.mu.Unlock()

	var rec domain.CandidateRecord
	if err := readJSON(filepath.Join(dir, name), &rec); err != nil {
		log.Warn().Err(err).Str("module", "fschannel").Str("file", name).Msg("unreadable candidate")
		return
	}
	sub.onAdd(rec)
}

// watch dispatches fsnotify events to the registered subscribers. Callbacks
// run on this goroutine with no store lock held, so they may re-enter the
// store freely.
func (s *Store) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			s.dispatch(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("module", "fschannel").Msg("watch error")
		}
	}
}

func (s *Store) dispatch(path string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	switch {
	case dir == filepath.Join(s.root, sessionsDir):
		s.dispatchSession(domain.SessionID(strings.TrimSuffix(base, ".json")), path)
	case dir == filepath.Join(s.root, invitesDir):
		s.dispatchInvite(path)
	case filepath.Dir(dir) == filepath.Join(s.root, candidatesDir):
		s.dispatchCandidate(domain.SessionID(filepath.Base(dir)), dir, base)
	}
}

func (s *Store) dispatchSession(id domain.SessionID, path string) {
	s.mu.Lock()
	subs := make([]*sessSub, 0, len(s.sessSubs[id]))
	for sub := range s.sessSubs[id] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	var sess domain.CallSession
	if err := readJSON(path, &sess); err != nil {
		log.Warn().Err(err).Str("module", "fschannel").Str("session", string(id)).Msg("unreadable session")
		return
	}
	for _, sub := range subs {
		sub.onChange(sess)
	}
}

func (s *Store) dispatchCandidate(id domain.SessionID, dir, name string) {
	s.mu.Lock()
	subs := make([]*candSub, 0, len(s.candSubs[id]))
	for sub := range s.candSubs[id] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.deliverCandidate(id, dir, name, sub)
	}
}

// writeJSON writes tmp-then-rename in the target directory, so a reader
// triggered by the create event always sees the whole document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func wrapIO(err error) error {
	log.Warn().Err(err).Str("module", "fschannel").Msg("relay io")
	return core.ErrChannelUnavailable
}
