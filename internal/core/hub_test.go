package core

import (
	"sync"
	"testing"
	"time"

	"chathub/internal/protocol"
)

var (
	alice = protocol.Identity{ID: 1, Username: "alice", Role: protocol.RoleUser}
	bob   = protocol.Identity{ID: 2, Username: "bob", Role: protocol.RoleAdmin}
)

func TestAdmitCountsPerUserAndChannel(t *testing.T) {
	h := NewHub(8)

	_, n := h.Admit(alice, "lobby")
	if n != 1 {
		t.Fatalf("first admit count = %d, want 1", n)
	}
	_, n = h.Admit(alice, "lobby")
	if n != 2 {
		t.Fatalf("second admit count = %d, want 2", n)
	}
	_, n = h.Admit(alice, "eft")
	if n != 1 {
		t.Fatalf("admit in another channel count = %d, want 1", n)
	}
	_, n = h.Admit(bob, "lobby")
	if n != 1 {
		t.Fatalf("other user admit count = %d, want 1", n)
	}
	if got := h.SessionCount(); got != 4 {
		t.Fatalf("session count = %d, want 4", got)
	}
}

func TestRemoveReturnsRemainingCount(t *testing.T) {
	h := NewHub(8)
	s1, _ := h.Admit(alice, "lobby")
	s2, _ := h.Admit(alice, "lobby")

	if _, n, ok := h.Remove(s1.ID); !ok || n != 1 {
		t.Fatalf("remove first: ok=%v count=%d, want true/1", ok, n)
	}
	if _, n, ok := h.Remove(s2.ID); !ok || n != 0 {
		t.Fatalf("remove last: ok=%v count=%d, want true/0", ok, n)
	}
	if _, _, ok := h.Remove(s2.ID); ok {
		t.Fatal("second remove of the same session should report ok=false")
	}
	if got := h.ChannelCount(); got != 0 {
		t.Fatalf("empty channel should be dropped, got %d channels", got)
	}
}

func TestRemoveClosesDone(t *testing.T) {
	h := NewHub(8)
	s, _ := h.Admit(alice, "lobby")
	h.Remove(s.ID)
	select {
	case <-s.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestPresentDeduplicatesIdentities(t *testing.T) {
	h := NewHub(8)
	h.Admit(bob, "lobby")
	h.Admit(alice, "lobby")
	h.Admit(alice, "lobby")
	h.Admit(alice, "eft")

	users := h.Present("lobby")
	if len(users) != 2 {
		t.Fatalf("expected 2 distinct users, got %#v", users)
	}
	if users[0].ID != alice.ID || users[1].ID != bob.ID {
		t.Fatalf("expected users ordered by id, got %#v", users)
	}
	if len(h.Present("nowhere")) != 0 {
		t.Fatal("unknown channel should have no users")
	}
}

func TestAnnounceScopesToChannel(t *testing.T) {
	h := NewHub(8)
	a, _ := h.Admit(alice, "lobby")
	b, _ := h.Admit(bob, "lobby")
	c, _ := h.Admit(protocol.Identity{ID: 3, Username: "carol"}, "eft")

	if n := h.Announce("lobby", protocol.Event{Type: "test"}); n != 2 {
		t.Fatalf("announce recipients = %d, want 2", n)
	}
	assertRecvType(t, a.Outbound(), "test")
	assertRecvType(t, b.Outbound(), "test")
	assertNoRecv(t, c.Outbound())
}

func TestNotifyTargetsOnlyUserInChannel(t *testing.T) {
	h := NewHub(8)
	a1, _ := h.Admit(alice, "lobby")
	a2, _ := h.Admit(alice, "lobby")
	aOther, _ := h.Admit(alice, "eft")
	b, _ := h.Admit(bob, "lobby")

	if n := h.Notify("lobby", alice.ID, protocol.Event{Type: protocol.TypeMuteStatus}); n != 2 {
		t.Fatalf("notify recipients = %d, want 2", n)
	}
	assertRecvType(t, a1.Outbound(), protocol.TypeMuteStatus)
	assertRecvType(t, a2.Outbound(), protocol.TypeMuteStatus)
	assertNoRecv(t, aOther.Outbound())
	assertNoRecv(t, b.Outbound())

	if n := h.Notify("lobby", 99, protocol.Event{Type: "x"}); n != 0 {
		t.Fatalf("notify for absent user should be a no-op, got %d", n)
	}
}

func TestAnnounceSkipsSaturatedSession(t *testing.T) {
	h := NewHub(1)
	slow, _ := h.Admit(alice, "lobby")
	fast, _ := h.Admit(bob, "lobby")

	h.Announce("lobby", protocol.Event{Type: "first"})
	assertRecvType(t, fast.Outbound(), "first")

	start := time.Now()
	n := h.Announce("lobby", protocol.Event{Type: "second"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("announce blocked on saturated session for %s", elapsed)
	}
	if n != 1 {
		t.Fatalf("expected only the fast session to accept, got %d", n)
	}
	assertRecvType(t, fast.Outbound(), "second")
	assertRecvType(t, slow.Outbound(), "first")
}

func TestAnnounceToleratesRemovedSession(t *testing.T) {
	h := NewHub(8)
	s, _ := h.Admit(alice, "lobby")
	targets := h.MembersOf("lobby")
	h.Remove(s.ID)

	if h.SendTo(targets[0], protocol.Event{Type: "late"}) {
		t.Fatal("send to a removed session should fail")
	}
}

func TestConcurrentAdmitRemoveAnnounce(t *testing.T) {
	h := NewHub(4)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := protocol.Identity{ID: int64(i % 4), Username: "u"}
			s, _ := h.Admit(id, "lobby")
			go func() {
				for {
					select {
					case <-s.Outbound():
					case <-s.Done():
						return
					}
				}
			}()
			h.Announce("lobby", protocol.Event{Type: "tick"})
			h.Present("lobby")
			h.Remove(s.ID)
		}(i)
	}
	wg.Wait()

	if got := h.SessionCount(); got != 0 {
		t.Fatalf("expected no sessions after churn, got %d", got)
	}
	if got := len(h.Present("lobby")); got != 0 {
		t.Fatalf("expected empty presence after churn, got %d", got)
	}
}

func TestSnapshotListsChannels(t *testing.T) {
	h := NewHub(8)
	h.Admit(alice, "lobby")
	h.Admit(alice, "lobby")
	h.Admit(bob, "eft")

	snap := h.Snapshot()
	if len(snap) != 2 || snap[0].Channel != "eft" || snap[1].Channel != "lobby" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
	if snap[1].Connections != 2 || len(snap[1].Users) != 1 {
		t.Fatalf("unexpected lobby presence: %#v", snap[1])
	}
}

func assertRecvType(t *testing.T, ch <-chan protocol.Event, want string) {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != want {
			t.Fatalf("expected %q, got %q", want, ev.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func assertNoRecv(t *testing.T, ch <-chan protocol.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no event, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
