package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Sarvesh2424/codecollab/internal/adapters/memchannel"
	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/domain"
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeTrack struct {
	mu      sync.Mutex
	kind    webrtc.RTPCodecType
	enabled bool
}

func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}
func (f *fakeTrack) SetEnabled(v bool) {
	f.mu.Lock()
	f.enabled = v
	f.mu.Unlock()
}
func (f *fakeTrack) Local() webrtc.TrackLocal { return nil }

type fakeStream struct {
	mu     sync.Mutex
	tracks []core.MediaTrack
	closed bool
}

func (f *fakeStream) Tracks() []core.MediaTrack { return f.tracks }
func (f *fakeStream) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

const (
	mediaOK = iota
	mediaNoVideo
	mediaDenied
)

type fakeMedia struct {
	mode    int
	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeMedia) Acquire(ctx context.Context, video, audio bool) (core.MediaStream, error) {
	if f.mode == mediaDenied {
		return nil, core.ErrPermissionDenied
	}
	if video && f.mode == mediaNoVideo {
		return nil, core.ErrPermissionDenied
	}
	tracks := []core.MediaTrack{&fakeTrack{kind: webrtc.RTPCodecTypeAudio, enabled: true}}
	if video {
		tracks = append(tracks, &fakeTrack{kind: webrtc.RTPCodecTypeVideo, enabled: true})
	}
	st := &fakeStream{tracks: tracks}
	f.mu.Lock()
	f.streams = append(f.streams, st)
	f.mu.Unlock()
	return st, nil
}

type fakeTransport struct {
	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	closed  bool

	acceptAnswerCalls int
	remoteCandidates  []webrtc.ICECandidateInit
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test-offer"}, nil
}

func (f *fakeTransport) AcceptAnswer(webrtc.SessionDescription) error {
	f.mu.Lock()
	f.acceptAnswerCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 test-answer"}, nil
}

func (f *fakeTransport) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.remoteCandidates = append(f.remoteCandidates, ci)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}
func (f *fakeTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}
func (f *fakeTransport) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) answers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acceptAnswerCalls
}

func (f *fakeTransport) candidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteCandidates)
}

func (f *fakeTransport) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) emitCandidate(ci webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) build(tracks []core.MediaTrack) (core.PeerTransport, error) {
	tr := &fakeTransport{}
	f.mu.Lock()
	f.created = append(f.created, tr)
	f.mu.Unlock()
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(x Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, x)
	n.mu.Unlock()
}

func (n *noticeLog) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.notices {
		if strings.Contains(x.Message, substr) {
			return true
		}
	}
	return false
}

type testClient struct {
	engine  *Engine
	factory *fakeFactory
	media   *fakeMedia
	notices *noticeLog
}

func newTestClient(t *testing.T, store *memchannel.Store, id domain.PeerID, mediaMode int, opts func(*Options)) *testClient {
	t.Helper()
	c := &testClient{
		factory: &fakeFactory{},
		media:   &fakeMedia{mode: mediaMode},
		notices: &noticeLog{},
	}
	o := Options{
		Channel:        store,
		Invites:        store,
		Media:          c.media,
		Identity:       core.StaticIdentity(id),
		Transport:      c.factory.build,
		InviteTimeout:  time.Minute,
		ConnectTimeout: time.Minute,
	}
	if opts != nil {
		opts(&o)
	}
	c.engine = New(o)
	c.engine.OnNotice(c.notices.add)
	if err := c.engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine %s: %v", id, err)
	}
	t.Cleanup(c.engine.Stop)
	return c
}

func (c *testClient) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, func() bool { return c.engine.Snapshot().State == want },
		"state "+string(want))
}

func (c *testClient) firstInvite(t *testing.T) domain.Invitation {
	t.Helper()
	waitFor(t, func() bool { return len(c.engine.PendingInvites()) > 0 }, "incoming invitation")
	return c.engine.PendingInvites()[0]
}

func TestCallConnects(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	sid, err := alice.engine.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if !strings.HasPrefix(string(sid), "call_") {
		t.Fatalf("session id %q lacks call_ prefix", sid)
	}
	alice.waitState(t, StateCalling)

	inv := bob.firstInvite(t)
	if inv.Caller != "alice" || inv.SessionID != sid {
		t.Fatalf("invitation %+v does not match session %s", inv, sid)
	}
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	bob.waitState(t, StateConnecting)

	// Caller applies the stored answer exactly once.
	waitFor(t, func() bool { return alice.factory.last().answers() == 1 }, "answer applied")

	alice.factory.last().fireState(webrtc.PeerConnectionStateConnected)
	bob.factory.last().fireState(webrtc.PeerConnectionStateConnected)
	alice.waitState(t, StateConnected)
	bob.waitState(t, StateConnected)

	if !alice.notices.contains("Call connected") {
		t.Fatal("caller never saw the connected notice")
	}
}

func TestCandidateRelayFiltersOwnRecords(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}

	// Caller gathers before the receiver even subscribes; the log replay
	// must still hand the record over after the join.
	mid := "0"
	alice.factory.last().emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid})

	inv := bob.firstInvite(t)
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}

	waitFor(t, func() bool { return bob.factory.last() != nil && bob.factory.last().candidates() == 1 },
		"candidate relayed to receiver")
	got := bob.factory.last().remoteCandidates[0]
	if got.SDPMid == nil || *got.SDPMid != "0" {
		t.Fatalf("sdpMid not carried: %+v", got)
	}

	bob.factory.last().emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 5000 typ host"})
	waitFor(t, func() bool { return alice.factory.last().candidates() == 1 }, "candidate relayed to caller")

	// Give the pumps a beat: neither side may loop its own records back.
	time.Sleep(50 * time.Millisecond)
	if n := alice.factory.last().candidates(); n != 1 {
		t.Fatalf("caller applied %d candidates, want 1", n)
	}
	if n := bob.factory.last().candidates(); n != 1 {
		t.Fatalf("receiver applied %d candidates, want 1", n)
	}
}

func TestDeclinePropagatesToCaller(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	inv := bob.firstInvite(t)
	if err := bob.engine.DeclineInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	alice.waitState(t, StateIdle)
	waitFor(t, func() bool { return alice.notices.contains("declined the call") }, "decline notice")
	if !alice.factory.last().IsClosed() {
		t.Fatal("caller transport still open after decline")
	}
	if bob.factory.count() != 0 {
		t.Fatal("decline must not create a peer connection")
	}
	if len(bob.engine.PendingInvites()) != 0 {
		t.Fatal("declined invitation still pending")
	}
}

func TestHangUpReachesRemoteAndReleasesEverything(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	sid, err := alice.engine.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	inv := bob.firstInvite(t)
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	alice.factory.last().fireState(webrtc.PeerConnectionStateConnected)
	bob.factory.last().fireState(webrtc.PeerConnectionStateConnected)
	alice.waitState(t, StateConnected)
	bob.waitState(t, StateConnected)

	aliceTr, bobTr := alice.factory.last(), bob.factory.last()
	alice.engine.EndCall()
	alice.waitState(t, StateIdle)
	bob.waitState(t, StateIdle)

	if !aliceTr.IsClosed() || !bobTr.IsClosed() {
		t.Fatal("transports not closed after hang up")
	}
	for _, st := range append(alice.media.streams, bob.media.streams...) {
		if !st.isClosed() {
			t.Fatal("media stream not released after hang up")
		}
	}
	waitFor(t, func() bool {
		sess, err := store.GetSession(context.Background(), sid)
		return err == nil && sess.Ended && sess.EndedBy == "alice"
	}, "ended marker in store")

	// A stale transport event after teardown must not resurrect the call.
	bobTr.fireState(webrtc.PeerConnectionStateFailed)
	time.Sleep(20 * time.Millisecond)
	if st := bob.engine.Snapshot().State; st != StateIdle {
		t.Fatalf("stale event moved state to %s", st)
	}
}

func TestBusyRejectsSecondAttempt(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)
	carol := newTestClient(t, store, "carol", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	if _, err := alice.engine.StartCall(context.Background(), "carol"); !errors.Is(err, core.ErrCallBusy) {
		t.Fatalf("second start: got %v, want ErrCallBusy", err)
	}

	// A second invitation still surfaces; accepting it while busy fails and
	// leaves the first call untouched.
	if _, err := carol.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("carol start: %v", err)
	}
	inv := bob.firstInvite(t)
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	bob.waitState(t, StateConnecting)
	waitFor(t, func() bool { return len(bob.engine.PendingInvites()) == 1 }, "second invitation")
	second := bob.engine.PendingInvites()[0]
	if err := bob.engine.AcceptInvite(context.Background(), second.ID); !errors.Is(err, core.ErrCallBusy) {
		t.Fatalf("busy accept: got %v, want ErrCallBusy", err)
	}
	if st := bob.engine.Snapshot().State; st != StateConnecting {
		t.Fatalf("busy accept disturbed state: %s", st)
	}
}

func TestMediaDenialAbortsBeforeTransport(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaDenied, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	inv := bob.firstInvite(t)
	err := bob.engine.AcceptInvite(context.Background(), inv.ID)
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("accept with denied media: got %v, want ErrPermissionDenied", err)
	}
	if bob.factory.count() != 0 {
		t.Fatal("peer connection created despite media denial")
	}
	bob.waitState(t, StateIdle)
	if !bob.notices.contains("allow access to microphone and camera") {
		t.Fatal("missing permission notice")
	}
	// The caller keeps ringing; the failed accept is local only.
	if st := alice.engine.Snapshot().State; st != StateCalling {
		t.Fatalf("caller state %s, want calling", st)
	}
}

func TestAudioOnlyFallback(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaNoVideo, nil)
	newTestClient(t, store, "bob", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	snap := alice.engine.Snapshot()
	if !snap.AudioOnly {
		t.Fatal("snapshot not flagged audio-only")
	}
	waitFor(t, func() bool { return alice.notices.contains("audio-only") }, "fallback notice")
}

func TestInviteTimeoutEndsSession(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, func(o *Options) {
		o.InviteTimeout = 50 * time.Millisecond
	})

	sid, err := alice.engine.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	alice.waitState(t, StateIdle)
	waitFor(t, func() bool { return alice.notices.contains("No answer from bob") }, "no-answer notice")
	waitFor(t, func() bool {
		sess, err := store.GetSession(context.Background(), sid)
		return err == nil && sess.Ended
	}, "session ended after timeout")
}

func TestConnectTimeout(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, func(o *Options) {
		o.ConnectTimeout = 50 * time.Millisecond
	})
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	inv := bob.firstInvite(t)
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	// Transport never reaches connected.
	alice.waitState(t, StateIdle)
	waitFor(t, func() bool { return alice.notices.contains("Could not reach bob") }, "unreachable notice")
}

func TestFirstAnswerWins(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	sid, err := alice.engine.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	inv := bob.firstInvite(t)
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	waitFor(t, func() bool { return alice.factory.last().answers() == 1 }, "answer applied")

	// Extra writes redeliver the full document; the installed answer must
	// not be applied again.
	muted := domain.MediaState{Muted: true, UpdatedAt: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		err := store.MergeSession(context.Background(), sid, domain.SessionPatch{
			MediaState: map[domain.PeerID]domain.MediaState{"bob": muted},
		})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	waitFor(t, func() bool { return alice.engine.Snapshot().RemoteMuted }, "remote mute mirrored")
	if n := alice.factory.last().answers(); n != 1 {
		t.Fatalf("answer applied %d times, want 1", n)
	}
}

func TestToggleMuteSyncsBothSides(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	bob := newTestClient(t, store, "bob", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	inv := bob.firstInvite(t)
	if err := bob.engine.AcceptInvite(context.Background(), inv.ID); err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	alice.factory.last().fireState(webrtc.PeerConnectionStateConnected)
	bob.factory.last().fireState(webrtc.PeerConnectionStateConnected)
	alice.waitState(t, StateConnected)
	bob.waitState(t, StateConnected)

	muted, err := bob.engine.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("toggle mute: %v muted=%v", err, muted)
	}
	for _, tr := range bob.media.streams[0].tracks {
		if tr.Kind() == webrtc.RTPCodecTypeAudio && tr.Enabled() {
			t.Fatal("audio track still enabled after mute")
		}
		if tr.Kind() == webrtc.RTPCodecTypeVideo && !tr.Enabled() {
			t.Fatal("mute disabled the video track")
		}
	}
	waitFor(t, func() bool { return alice.engine.Snapshot().RemoteMuted }, "remote mute indicator")

	if _, err := bob.engine.ToggleVideo(); err != nil {
		t.Fatalf("toggle video: %v", err)
	}
	waitFor(t, func() bool { return alice.engine.Snapshot().RemoteVideoOff }, "remote video indicator")

	unmuted, err := bob.engine.ToggleMute()
	if err != nil || unmuted {
		t.Fatalf("unmute: %v muted=%v", err, unmuted)
	}
	waitFor(t, func() bool { return !alice.engine.Snapshot().RemoteMuted }, "remote unmute indicator")
}

func TestToggleWithoutCall(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)
	if _, err := alice.engine.ToggleMute(); !errors.Is(err, core.ErrNoActiveCall) {
		t.Fatalf("got %v, want ErrNoActiveCall", err)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)

	if _, err := alice.engine.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("start call: %v", err)
	}
	tr := alice.factory.last()
	alice.engine.Teardown()
	alice.engine.Teardown()
	alice.engine.EndCall() // idle no-op
	if st := alice.engine.Snapshot().State; st != StateIdle {
		t.Fatalf("state %s after teardown", st)
	}
	if !tr.IsClosed() {
		t.Fatal("transport not closed")
	}
}

func TestJoinUnknownSession(t *testing.T) {
	store := memchannel.New()
	defer store.Close()
	alice := newTestClient(t, store, "alice", mediaOK, nil)

	err := alice.engine.JoinCall(context.Background(), "call_missing", "bob")
	if !errors.Is(err, core.ErrInvalidSession) && !errors.Is(err, core.ErrChannelUnavailable) {
		t.Fatalf("join unknown session: %v", err)
	}
	alice.waitState(t, StateIdle)
	if !alice.notices.contains("Call data not found") {
		t.Fatal("missing not-found notice")
	}
}
