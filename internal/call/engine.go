// Package call holds the client-side call lifecycle: one state machine per
// client driving session negotiation, candidate relay, media-state sync and
// teardown over the signaling channel.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

// State is the call lifecycle position of this client.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"    // caller: offer sent, awaiting answer
	StateConnecting State = "connecting" // receiver: answer sent, awaiting transport
	StateConnected  State = "connected"
)

// Notice is a single user-facing message. Errors in this core are local
// only; every one of them surfaces as a notice and ends in Idle.
type Notice struct {
	Level   string `json:"level"` // info, warn, error
	Message string `json:"message"`
}

// Snapshot is the externally visible engine state, safe to hand to the UI.
type Snapshot struct {
	State          State            `json:"state"`
	Peer           domain.PeerID    `json:"peer,omitempty"`
	SessionID      domain.SessionID `json:"sessionId,omitempty"`
	Muted          bool             `json:"muted"`
	VideoOff       bool             `json:"videoOff"`
	RemoteMuted    bool             `json:"remoteMuted"`
	RemoteVideoOff bool             `json:"remoteVideoOff"`
	AudioOnly      bool             `json:"audioOnly"`
}

type role int

const (
	roleCaller role = iota
	roleReceiver
)

// attempt carries everything owned by one call attempt. It exists only
// while the engine is non-idle and is dropped whole on teardown.
type attempt struct {
	epoch     uint64
	role      role
	sessionID domain.SessionID
	inviteID  domain.InviteID
	peer      domain.PeerID

	stream    core.MediaStream
	transport core.PeerTransport
	subs      []core.Unsubscribe
	timers    []*time.Timer

	answered     bool // first answer wins; later deliveries are no-ops
	terminalSeen bool // rejected/ended observed; negotiation failure stays quiet
	audioOnly    bool

	local       domain.MediaState
	remote      domain.MediaState
	remoteKnown bool
}

type Options struct {
	Channel   core.SignalChannel
	Invites   core.InviteNotifier
	Media     core.MediaSource
	Identity  core.IdentityProvider
	Transport core.TransportFactory

	// InviteTimeout bounds the caller's wait for any receiver response.
	InviteTimeout time.Duration
	// ConnectTimeout bounds negotiation reaching the connected state.
	ConnectTimeout time.Duration
}

// Engine is the call state machine. All mutable call state is owned here
// exclusively; adapters only ever see it through callbacks and snapshots.
type Engine struct {
	channel      core.SignalChannel
	invites      core.InviteNotifier
	media        core.MediaSource
	identity     core.IdentityProvider
	newTransport core.TransportFactory

	inviteTimeout  time.Duration
	connectTimeout time.Duration

	mu        sync.Mutex
	ctx       context.Context
	state     State
	epoch     uint64
	att       *attempt
	inbox     map[domain.InviteID]domain.Invitation
	inviteSub core.Unsubscribe

	onNotice func(Notice)
	onChange func(Snapshot)
	onInvite func(domain.Invitation)
}

func New(opts Options) *Engine {
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 45 * time.Second
	}
	return &Engine{
		channel:        opts.Channel,
		invites:        opts.Invites,
		media:          opts.Media,
		identity:       opts.Identity,
		newTransport:   opts.Transport,
		inviteTimeout:  opts.InviteTimeout,
		connectTimeout: opts.ConnectTimeout,
		state:          StateIdle,
		inbox:          make(map[domain.InviteID]domain.Invitation),
	}
}

// OnNotice, OnStateChange and OnIncoming must be set before Start.
func (e *Engine) OnNotice(fn func(Notice))              { e.onNotice = fn }
func (e *Engine) OnStateChange(fn func(Snapshot))       { e.onChange = fn }
func (e *Engine) OnIncoming(fn func(domain.Invitation)) { e.onInvite = fn }

// Start subscribes for incoming invitations. Call actions fail with
// ErrNotAuthenticated until the identity provider has an identity.
func (e *Engine) Start(ctx context.Context) error {
	self, ok := e.identity.Self()
	if !ok {
		return core.ErrNotAuthenticated
	}
	sub, err := e.invites.Subscribe(self, e.handleInvite)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ctx = ctx
	e.inviteSub = sub
	e.mu.Unlock()
	log.Info().Str("module", "call").Str("self", string(self)).Msg("engine started")
	return nil
}

// Stop tears down any active attempt and stops listening for invitations.
func (e *Engine) Stop() {
	e.Teardown()
	e.mu.Lock()
	sub := e.inviteSub
	e.inviteSub = nil
	e.mu.Unlock()
	if sub != nil {
		sub()
	}
}

// Teardown is the unique resource-release path: it is valid in every state,
// idempotent, and safe to invoke re-entrantly from any callback. After it
// returns no stray callback can observe the released handles.
func (e *Engine) Teardown() {
	e.mu.Lock()
	em := e.newEmitter()
	e.teardownLocked(em)
	e.mu.Unlock()
	e.flush(em)
}

// teardownLocked releases every attempt resource under the engine lock.
// The epoch bump makes any in-flight callback a no-op before the first
// handle is closed.
func (e *Engine) teardownLocked(em *emitter) {
	if e.att == nil && e.state == StateIdle {
		return
	}
	e.epoch++
	att := e.att
	e.att = nil
	e.state = StateIdle
	em.stateChanged = true

	if att == nil {
		return
	}
	for _, t := range att.timers {
		t.Stop()
	}
	for _, unsub := range att.subs {
		unsub()
	}
	if att.transport != nil {
		att.transport.Close()
	}
	if att.stream != nil {
		att.stream.Close()
	}
	log.Info().Str("module", "call").Str("session", string(att.sessionID)).Msg("attempt torn down")
}

// Snapshot returns the current externally visible state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{State: e.state}
	if e.att != nil {
		snap.Peer = e.att.peer
		snap.SessionID = e.att.sessionID
		snap.Muted = e.att.local.Muted
		snap.VideoOff = e.att.local.VideoOff
		snap.RemoteMuted = e.att.remote.Muted
		snap.RemoteVideoOff = e.att.remote.VideoOff
		snap.AudioOnly = e.att.audioOnly
	}
	return snap
}

// PendingInvites lists unresolved incoming invitations.
func (e *Engine) PendingInvites() []domain.Invitation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Invitation, 0, len(e.inbox))
	for _, inv := range e.inbox {
		out = append(out, inv)
	}
	return out
}

// emitter defers user-facing callbacks until the engine lock is released,
// so a callback that re-enters the engine cannot deadlock.
type emitter struct {
	notices      []Notice
	stateChanged bool
	invites      []domain.Invitation
}

func (e *Engine) newEmitter() *emitter { return &emitter{} }

func (em *emitter) notify(level, msg string) {
	em.notices = append(em.notices, Notice{Level: level, Message: msg})
}

// flush fires collected callbacks. Must be called without the lock held.
func (e *Engine) flush(em *emitter) {
	if em == nil {
		return
	}
	for _, n := range em.notices {
		log.Info().Str("module", "call").Str("level", n.Level).Msg(n.Message)
		if e.onNotice != nil {
			e.onNotice(n)
		}
	}
	if em.stateChanged && e.onChange != nil {
		e.onChange(e.Snapshot())
	}
	for _, inv := range em.invites {
		if e.onInvite != nil {
			e.onInvite(inv)
		}
	}
}

func (e *Engine) self() domain.PeerID {
	id, _ := e.identity.Self()
	return id
}
