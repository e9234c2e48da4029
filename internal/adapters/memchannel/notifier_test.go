package memchannel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sarvesh2424/codecollab/internal/domain"
)

type inviteRecorder struct {
	mu  sync.Mutex
	got []domain.Invitation
}

func (r *inviteRecorder) add(inv domain.Invitation) {
	r.mu.Lock()
	r.got = append(r.got, inv)
	r.mu.Unlock()
}

func (r *inviteRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestInviteDeliveredToAddresseeOnly(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	bob, carol := &inviteRecorder{}, &inviteRecorder{}
	unsubBob, err := s.Subscribe("bob", bob.add)
	if err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	defer unsubBob()
	unsubCarol, err := s.Subscribe("carol", carol.add)
	if err != nil {
		t.Fatalf("subscribe carol: %v", err)
	}
	defer unsubCarol()

	err = s.Send(ctx, domain.Invitation{ID: "invite_1", Caller: "alice", Receiver: "bob", SessionID: "call_1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return bob.count() == 1 }, "delivery to bob")
	time.Sleep(30 * time.Millisecond)
	if carol.count() != 0 {
		t.Fatal("invitation leaked to a third party")
	}
	bob.mu.Lock()
	inv := bob.got[0]
	bob.mu.Unlock()
	if inv.Status != domain.StatusPending || inv.SessionID != "call_1" {
		t.Fatalf("delivered invitation malformed: %+v", inv)
	}
}

func TestPendingInviteDeliveredToLateSubscriber(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Send(ctx, domain.Invitation{ID: "invite_1", Caller: "alice", Receiver: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	bob := &inviteRecorder{}
	unsub, err := s.Subscribe("bob", bob.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	waitFor(t, func() bool { return bob.count() == 1 }, "replayed pending invitation")
}

func TestResolvedInviteNotRedelivered(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Send(ctx, domain.Invitation{ID: "invite_1", Caller: "alice", Receiver: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Respond(ctx, "invite_1", false); err != nil {
		t.Fatalf("respond: %v", err)
	}

	bob := &inviteRecorder{}
	unsub, err := s.Subscribe("bob", bob.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	time.Sleep(30 * time.Millisecond)
	if bob.count() != 0 {
		t.Fatal("resolved invitation was redelivered")
	}
}

func TestRespondIdempotent(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if err := s.Send(ctx, domain.Invitation{ID: "invite_1", Caller: "alice", Receiver: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Respond(ctx, "invite_1", true); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	// A late decline must not flip the resolution; unknown ids are no-ops.
	if err := s.Respond(ctx, "invite_1", false); err != nil {
		t.Fatalf("second respond: %v", err)
	}
	if err := s.Respond(ctx, "invite_unknown", true); err != nil {
		t.Fatalf("unknown respond: %v", err)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	release := make(chan struct{})
	unsubSlow, err := s.Subscribe("bob", func(domain.Invitation) { <-release })
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	defer unsubSlow()
	fast := &inviteRecorder{}
	unsubFast, err := s.Subscribe("bob", fast.add)
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	defer unsubFast()

	for i := 0; i < 3; i++ {
		inv := domain.Invitation{ID: domain.InviteID("invite_" + string(rune('a'+i))), Caller: "alice", Receiver: "bob"}
		if err := s.Send(ctx, inv); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return fast.count() == 3 }, "fast subscriber delivery")
	close(release)
}
