package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/Sarvesh2424/codecollab/internal/adapters/memchannel"
	"github.com/Sarvesh2424/codecollab/internal/call"
	"github.com/Sarvesh2424/codecollab/internal/config"
	"github.com/Sarvesh2424/codecollab/internal/core"
	"github.com/Sarvesh2424/codecollab/internal/roster"
)

type fakeTransport struct{}

func (fakeTransport) Start(context.Context) error { return nil }
func (fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}
func (fakeTransport) AcceptAnswer(webrtc.SessionDescription) error { return nil }
func (fakeTransport) AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}
func (fakeTransport) AddRemoteCandidate(webrtc.ICECandidateInit) error   { return nil }
func (fakeTransport) OnLocalCandidate(func(webrtc.ICECandidateInit))     {}
func (fakeTransport) OnStateChange(func(webrtc.PeerConnectionState))     {}
func (fakeTransport) OnRemoteTrack(func(*webrtc.TrackRemote))            {}
func (fakeTransport) Close()                                             {}
func (fakeTransport) IsClosed() bool                                     { return false }

type fakeStream struct{}

func (fakeStream) Tracks() []core.MediaTrack { return nil }
func (fakeStream) Close()                    {}

type fakeMedia struct{}

func (fakeMedia) Acquire(context.Context, bool, bool) (core.MediaStream, error) {
	return fakeStream{}, nil
}

func newTestRouter(t *testing.T, cfg *config.Config) (*call.Engine, http.Handler) {
	t.Helper()
	store := memchannel.New()
	t.Cleanup(store.Close)
	engine := call.New(call.Options{
		Channel:  store,
		Invites:  store,
		Media:    fakeMedia{},
		Identity: core.StaticIdentity("alice"),
		Transport: func([]core.MediaTrack) (core.PeerTransport, error) {
			return fakeTransport{}, nil
		},
	})
	hub := NewHub()
	hub.Bind(engine)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(engine.Stop)
	friends := roster.New("alice", []string{"bob", "carol"})
	return engine, SetupRouter(cfg, engine, friends, hub, NewExecProxy(cfg))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestFriendsEndpoint(t *testing.T) {
	_, h := newTestRouter(t, &config.Config{Mode: "release", Secret: "test"})
	w := do(t, h, http.MethodGet, "/api/friends", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Friends []string `json:"friends"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Friends) != 2 || resp.Friends[0] != "bob" {
		t.Fatalf("friends = %v", resp.Friends)
	}
}

func TestStateEndpointIdle(t *testing.T) {
	_, h := newTestRouter(t, &config.Config{Mode: "release", Secret: "test"})
	w := do(t, h, http.MethodGet, "/api/call/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var snap call.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != call.StateIdle {
		t.Fatalf("state = %s, want idle", snap.State)
	}
}

func TestStartCallGuards(t *testing.T) {
	_, h := newTestRouter(t, &config.Config{Mode: "release", Secret: "test"})

	if w := do(t, h, http.MethodPost, "/api/call/start", `{"peer":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty peer: status %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/call/start", `{"peer":"mallory"}`); w.Code != http.StatusForbidden {
		t.Fatalf("stranger: status %d", w.Code)
	}

	w := do(t, h, http.MethodPost, "/api/call/start", `{"peer":"bob"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.SessionID, "call_") {
		t.Fatalf("sessionId %q", resp.SessionID)
	}

	// Active attempt: a second start is a conflict.
	if w := do(t, h, http.MethodPost, "/api/call/start", `{"peer":"carol"}`); w.Code != http.StatusConflict {
		t.Fatalf("busy start: status %d", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/api/call/end", ""); w.Code != http.StatusOK {
		t.Fatalf("end: status %d", w.Code)
	}
}

func TestToggleWithoutCallConflicts(t *testing.T) {
	_, h := newTestRouter(t, &config.Config{Mode: "release", Secret: "test"})
	if w := do(t, h, http.MethodPost, "/api/call/mute", ""); w.Code != http.StatusConflict {
		t.Fatalf("mute idle: status %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/call/video", ""); w.Code != http.StatusConflict {
		t.Fatalf("video idle: status %d", w.Code)
	}
}

func TestAcceptUnknownInvite(t *testing.T) {
	_, h := newTestRouter(t, &config.Config{Mode: "release", Secret: "test"})
	if w := do(t, h, http.MethodPost, "/api/call/invites/invite_nope/accept", ""); w.Code != http.StatusNotFound {
		t.Fatalf("accept unknown: status %d", w.Code)
	}
	// Declining an unknown invitation is a silent no-op.
	if w := do(t, h, http.MethodPost, "/api/call/invites/invite_nope/decline", ""); w.Code != http.StatusOK {
		t.Fatalf("decline unknown: status %d", w.Code)
	}
}

func TestExecProxyUnconfigured(t *testing.T) {
	_, h := newTestRouter(t, &config.Config{Mode: "release", Secret: "test"})
	w := do(t, h, http.MethodPost, "/api/execute", `{"script":"print(1)","language":"python3","versionIndex":"4"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured exec: status %d", w.Code)
	}
}

func TestExecProxyForwardsWithCredentials(t *testing.T) {
	var seen map[string]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("upstream decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"1\n","statusCode":200}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Mode:         "release",
		Secret:       "test",
		ExecAPIURL:   upstream.URL,
		ExecClientID: "cid",
		ExecSecret:   "shh",
	}
	_, h := newTestRouter(t, cfg)

	w := do(t, h, http.MethodPost, "/api/execute", `{"script":"print(1)","language":"python3","versionIndex":"4","stdin":""}`)
	if w.Code != http.StatusOK {
		t.Fatalf("exec: status %d body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"output"`) {
		t.Fatalf("upstream body not passed through: %s", w.Body.String())
	}
	if seen["clientId"] != "cid" || seen["clientSecret"] != "shh" {
		t.Fatal("credentials not attached upstream")
	}
	if seen["script"] != "print(1)" || seen["language"] != "python3" {
		t.Fatalf("request fields not forwarded: %v", seen)
	}
}
