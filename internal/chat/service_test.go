package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chathub/internal/auth"
	"chathub/internal/core"
	"chathub/internal/history"
	"chathub/internal/mute"
	"chathub/internal/protocol"
)

var errClosed = errors.New("conn closed")

type fakeConn struct {
	in  chan string
	out chan protocol.Event

	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan string, 16),
		out:    make(chan protocol.Event, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) (string, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return "", errClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) WriteEvent(ev protocol.Event) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.closed:
		return errClosed
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

type userMap map[int64]protocol.Identity

func (u userMap) User(_ context.Context, id int64) (protocol.Identity, bool, error) {
	who, ok := u[id]
	return who, ok, nil
}

var (
	alice = protocol.Identity{ID: 1, Username: "alice", Role: protocol.RoleUser}
	bob   = protocol.Identity{ID: 2, Username: "bob", Role: protocol.RoleVIP}
	root  = protocol.Identity{ID: 3, Username: "root", Role: protocol.RoleAdmin}
	boss  = protocol.Identity{ID: 4, Username: "boss", Role: protocol.RoleAdmin}
)

type harness struct {
	t       *testing.T
	svc     *Service
	hub     *core.Hub
	oracle  *mute.Oracle
	history *history.Service
	tokens  *auth.Tokens
}

func newHarness(t *testing.T, lists history.ListStore, opts Options) *harness {
	t.Helper()
	users := userMap{alice.ID: alice, bob.ID: bob, root.ID: root, boss.ID: boss}
	hub := core.NewHub(64)
	oracle := mute.New(mute.NewMemoryStore(), users, hub)
	hist := history.NewService(lists, 0)
	tokens := auth.NewTokens("test-secret")
	return &harness{
		t:       t,
		svc:     NewService(hub, oracle, hist, tokens, users, opts),
		hub:     hub,
		oracle:  oracle,
		history: hist,
		tokens:  tokens,
	}
}

type client struct {
	conn *fakeConn
	done chan error
	left sync.Once
}

func (h *harness) token(who protocol.Identity) string {
	h.t.Helper()
	tok, err := h.tokens.Issue(who.ID, who.Username, time.Hour)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (h *harness) connect(ctx context.Context, p Params) *client {
	c := &client{conn: newFakeConn(), done: make(chan error, 1)}
	go func() { c.done <- h.svc.Serve(ctx, c.conn, p) }()
	return c
}

// join connects who to channel and consumes the welcome sequence up to MUTE_STATUS.
func (h *harness) join(who protocol.Identity, channel string) *client {
	h.t.Helper()
	c := h.connect(context.Background(), Params{Channel: channel, Token: h.token(who)})
	readUntil(h.t, c, protocol.TypeMuteStatus)
	h.t.Cleanup(func() { c.leave(h.t) })
	return c
}

func (c *client) send(payload string) {
	c.conn.in <- payload
}

func (c *client) leave(t *testing.T) {
	t.Helper()
	c.left.Do(func() {
		_ = c.conn.Close(protocol.CloseNormal, "")
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after close")
		}
	})
}

func readUntil(t *testing.T, c *client, typ string) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.conn.out:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func expectNone(t *testing.T, c *client, typ string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-c.conn.out:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %#v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}

// readUntilWithout waits for want and fails if forbidden arrives first.
func readUntilWithout(t *testing.T, c *client, want, forbidden string) protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.conn.out:
			switch ev.Type {
			case want:
				return ev
			case forbidden:
				t.Fatalf("unexpected %s event before %s: %#v", forbidden, want, ev)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestAdmissionFailures(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	ghost, _ := h.tokens.Issue(99, "ghost", time.Hour)

	cases := []struct {
		name    string
		params  Params
		wantErr error
		code    int
	}{
		{"missing channel", Params{Token: h.token(alice)}, ErrBadRequest, protocol.CloseBadRequest},
		{"missing token", Params{Channel: "lobby"}, ErrBadRequest, protocol.CloseBadRequest},
		{"bad token", Params{Channel: "lobby", Token: "nope"}, ErrPolicyViolation, protocol.ClosePolicyViolation},
		{"unknown user", Params{Channel: "lobby", Token: ghost}, ErrPolicyViolation, protocol.ClosePolicyViolation},
	}
	for _, tc := range cases {
		c := h.connect(context.Background(), tc.params)
		select {
		case err := <-c.done:
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: Serve did not return", tc.name)
		}
		if got := c.conn.closeCode(); got != tc.code {
			t.Errorf("%s: close code = %d, want %d", tc.name, got, tc.code)
		}
	}
	if h.hub.SessionCount() != 0 {
		t.Fatal("rejected connections must not be registered")
	}
}

func TestWelcomeSequence(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	c := h.connect(context.Background(), Params{Channel: "lobby", Token: h.token(alice)})
	t.Cleanup(func() { c.leave(t) })

	want := []string{protocol.TypeJoin, protocol.TypeInitialList, protocol.TypeMuteStatus}
	for _, typ := range want {
		select {
		case ev := <-c.conn.out:
			if ev.Type != typ {
				t.Fatalf("got %s, want %s", ev.Type, typ)
			}
			if ev.Type == protocol.TypeInitialList && (len(ev.Users) != 1 || ev.Users[0].ID != alice.ID) {
				t.Fatalf("unexpected initial list: %#v", ev.Users)
			}
			if ev.Type == protocol.TypeMuteStatus && (ev.Muted == nil || *ev.Muted) {
				t.Fatalf("expected unmuted status, got %#v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestHistoryReplayedOnJoin(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		e := protocol.Entry{Type: protocol.TypeChat, MessageID: fmt.Sprintf("m%d", i), UserID: bob.ID, Role: bob.Role, Content: "x"}
		if err := h.history.Append(ctx, "lobby", e); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	c := h.connect(ctx, Params{Channel: "lobby", Token: h.token(alice)})
	t.Cleanup(func() { c.leave(t) })
	ev := readUntil(t, c, protocol.TypeHistory)
	if len(ev.Messages) != history.ReplayLimit {
		t.Fatalf("expected %d replayed messages, got %d", history.ReplayLimit, len(ev.Messages))
	}
	if ev.Messages[0].MessageID != "m10" || ev.Messages[49].MessageID != "m59" {
		t.Fatalf("unexpected replay window %s..%s", ev.Messages[0].MessageID, ev.Messages[49].MessageID)
	}
}

func TestJoinAndLeaveAnnouncedOncePerUser(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	watcher := h.join(bob, "lobby")

	first := h.join(alice, "lobby")
	if ev := readUntil(t, watcher, protocol.TypeJoin); ev.UserID != alice.ID {
		t.Fatalf("unexpected join: %#v", ev)
	}

	second := h.connect(context.Background(), Params{Channel: "lobby", Token: h.token(alice)})
	list := readUntil(t, second, protocol.TypeInitialList)
	if len(list.Users) != 2 {
		t.Fatalf("initial list must be deduplicated, got %#v", list.Users)
	}
	expectNone(t, watcher, protocol.TypeJoin, 100*time.Millisecond)

	first.leave(t)
	expectNone(t, watcher, protocol.TypeLeave, 100*time.Millisecond)

	second.leave(t)
	if ev := readUntil(t, watcher, protocol.TypeLeave); ev.UserID != alice.ID {
		t.Fatalf("unexpected leave: %#v", ev)
	}
}

func TestChatReachesEveryMemberAndHistory(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")
	b := h.join(bob, "lobby")
	other := h.join(root, "elsewhere")

	a.send("hello")
	for _, c := range []*client{a, b} {
		ev := readUntil(t, c, protocol.TypeChat)
		if ev.Content != "hello" || ev.UserID != alice.ID || ev.Username != "alice" || ev.MessageID == "" {
			t.Fatalf("unexpected chat event: %#v", ev)
		}
	}
	expectNone(t, other, protocol.TypeChat, 100*time.Millisecond)

	recent, err := h.history.Recent(context.Background(), "lobby", history.ReplayLimit)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Content != "hello" {
		t.Fatalf("unexpected history: %#v", recent)
	}
	if h.svc.Counters().Chats != 1 {
		t.Fatalf("unexpected counters: %#v", h.svc.Counters())
	}
}

func TestChatOrderMatchesHistoryOrder(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")
	b := h.join(bob, "lobby")
	watcher := h.join(root, "lobby")

	const perSender = 20
	for i := 0; i < perSender; i++ {
		a.send(fmt.Sprintf("a%d", i))
		b.send(fmt.Sprintf("b%d", i))
	}

	var seen []string
	for len(seen) < 2*perSender {
		seen = append(seen, readUntil(t, watcher, protocol.TypeChat).MessageID)
	}
	recent, _ := h.history.Recent(context.Background(), "lobby", 2*perSender)
	if len(recent) != len(seen) {
		t.Fatalf("history has %d entries, watcher saw %d", len(recent), len(seen))
	}
	for i := range recent {
		if recent[i].MessageID != seen[i] {
			t.Fatalf("position %d: history %s, broadcast %s", i, recent[i].MessageID, seen[i])
		}
	}
}

func TestMutedUserIsSilenced(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")
	b := h.join(bob, "lobby")

	rec, err := h.oracle.Mute(context.Background(), bob.ID, "lobby", 10)
	if err != nil {
		t.Fatalf("mute: %v", err)
	}
	status := readUntil(t, b, protocol.TypeMuteStatus)
	if status.Muted == nil || !*status.Muted || !status.ExpireTime.Equal(rec.ExpireAt) {
		t.Fatalf("unexpected pushed status: %#v", status)
	}
	expectNone(t, a, protocol.TypeMuteStatus, 50*time.Millisecond)

	b.send("let me speak")
	if ev := readUntil(t, b, protocol.TypeError); ev.Content != MsgMuted {
		t.Fatalf("unexpected error content: %q", ev.Content)
	}
	expectNone(t, a, protocol.TypeChat, 100*time.Millisecond)
	expectNone(t, b, protocol.TypeChat, 0)

	recent, _ := h.history.Recent(context.Background(), "lobby", history.ReplayLimit)
	if len(recent) != 0 {
		t.Fatalf("muted payload reached history: %#v", recent)
	}

	// A reconnect while muted reports the mute in its welcome.
	again := h.connect(context.Background(), Params{Channel: "lobby", Token: h.token(bob)})
	t.Cleanup(func() { again.leave(t) })
	if ev := readUntil(t, again, protocol.TypeMuteStatus); ev.Muted == nil || !*ev.Muted {
		t.Fatalf("expected muted welcome status, got %#v", ev)
	}

	if err := h.oracle.Unmute(context.Background(), bob.ID, "lobby"); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	readUntil(t, b, protocol.TypeMuteStatus)
	b.send("thanks")
	if ev := readUntil(t, a, protocol.TypeChat); ev.Content != "thanks" {
		t.Fatalf("unexpected chat after unmute: %#v", ev)
	}
}

func TestRecallAuthorization(t *testing.T) {
	cases := []struct {
		name      string
		author    protocol.Identity
		requester protocol.Identity
		removed   bool
	}{
		{"author", alice, alice, true},
		{"non-admin other", alice, bob, false},
		{"admin on user", alice, root, true},
		{"admin on admin", boss, root, false},
		{"admin author", root, root, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, history.NewMemoryList(), Options{})
			author := h.join(tc.author, "lobby")
			requester := author
			if tc.requester.ID != tc.author.ID {
				requester = h.join(tc.requester, "lobby")
			}

			author.send("recall me")
			id := readUntil(t, requester, protocol.TypeChat).MessageID

			requester.send(fmt.Sprintf(`{"type":"RECALL","messageId":%q}`, id))

			if tc.removed {
				ev := readUntil(t, author, protocol.TypeRecall)
				if ev.MessageID != id {
					t.Fatalf("recall carried %q, want %q", ev.MessageID, id)
				}
			} else {
				expectNone(t, author, protocol.TypeRecall, 150*time.Millisecond)
				expectNone(t, requester, protocol.TypeError, 0)
			}

			_, err := h.history.Find(context.Background(), "lobby", id, history.RecallWindow)
			if tc.removed != errors.Is(err, history.ErrNotFound) {
				t.Fatalf("history presence mismatch: removed=%v err=%v", tc.removed, err)
			}
		})
	}
}

func TestRecallUnknownOrMissingIDIsSilent(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")

	a.send(`{"type":"RECALL","messageId":"does-not-exist"}`)
	a.send(`{"type":"RECALL"}`)
	expectNone(t, a, protocol.TypeRecall, 100*time.Millisecond)
	expectNone(t, a, protocol.TypeError, 0)
	expectNone(t, a, protocol.TypeChat, 0)
}

func TestRecallOutsideWindowIsIgnored(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	ctx := context.Background()
	old := protocol.Entry{Type: protocol.TypeChat, MessageID: "ancient", UserID: alice.ID, Role: alice.Role, Content: "old"}
	_ = h.history.Append(ctx, "lobby", old)
	for i := 0; i < history.RecallWindow; i++ {
		_ = h.history.Append(ctx, "lobby", protocol.Entry{Type: protocol.TypeChat, MessageID: fmt.Sprintf("n%d", i), UserID: bob.ID})
	}

	a := h.join(alice, "lobby")
	a.send(`{"type":"RECALL","messageId":"ancient"}`)
	expectNone(t, a, protocol.TypeRecall, 100*time.Millisecond)
}

func TestNonRecallJSONIsChatContent(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")

	payload := `{"type":"CHAT","content":"hi"}`
	a.send(payload)
	if ev := readUntil(t, a, protocol.TypeChat); ev.Content != payload {
		t.Fatalf("payload must be kept verbatim, got %q", ev.Content)
	}
}

func TestBlankPayloadIsChatContent(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")
	b := h.join(bob, "lobby")

	for _, payload := range []string{"", "   "} {
		a.send(payload)
		if ev := readUntilWithout(t, b, protocol.TypeChat, protocol.TypeError); ev.Content != payload {
			t.Fatalf("content = %q, want %q", ev.Content, payload)
		}
	}
	expectNone(t, a, protocol.TypeError, 50*time.Millisecond)
	recent, _ := h.history.Recent(context.Background(), "lobby", 10)
	if len(recent) != 2 || recent[0].Content != "" || recent[1].Content != "   " {
		t.Fatalf("unexpected history: %#v", recent)
	}
}

func TestRecallWithNonStringIDIsNotChat(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")

	a.send(`{"type":"RECALL","messageId":123}`)
	a.send(`{"type":"RECALL","messageId":null}`)
	expectNone(t, a, protocol.TypeChat, 100*time.Millisecond)
	recent, _ := h.history.Recent(context.Background(), "lobby", 10)
	if len(recent) != 0 {
		t.Fatalf("recall commands must not be stored, got %#v", recent)
	}
}

func TestParseRecall(t *testing.T) {
	tests := []struct {
		payload string
		id      string
		recall  bool
	}{
		{`{"type":"RECALL","messageId":"m1"}`, "m1", true},
		{`{"type":"RECALL","messageId":123}`, "123", true},
		{`{"type":"RECALL","messageId":{"x":1}}`, `{"x":1}`, true},
		{`{"type":"RECALL","messageId":null}`, "", true},
		{`{"type":"RECALL"}`, "", true},
		{`{"type":"CHAT","messageId":"m1"}`, "", false},
		{`["RECALL"]`, "", false},
		{`hello`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		id, ok := parseRecall(tt.payload)
		if id != tt.id || ok != tt.recall {
			t.Errorf("parseRecall(%q) = %q, %v; want %q, %v", tt.payload, id, ok, tt.id, tt.recall)
		}
	}
}

func TestSlowReceiverDoesNotStallSender(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	a := h.join(alice, "lobby")

	// A member whose outbound buffer is full and never drained.
	stuck, _ := h.hub.Admit(root, "lobby")
	t.Cleanup(func() { h.hub.Remove(stuck.ID) })
	for h.hub.SendTo(stuck, protocol.ErrorEvent("fill")) {
	}

	const n = 20
	start := time.Now()
	for i := 0; i < n; i++ {
		a.send(fmt.Sprintf("m%d", i))
	}
	for {
		recent, _ := h.history.Recent(context.Background(), "lobby", n)
		if len(recent) == n {
			break
		}
		if time.Since(start) > n*core.SendTimeout/2 {
			t.Fatalf("only %d of %d messages stored after %v", len(recent), n, time.Since(start))
		}
		time.Sleep(5 * time.Millisecond)
	}

	var seen []string
	for len(seen) < n {
		seen = append(seen, readUntil(t, a, protocol.TypeChat).Content)
	}
	for i, got := range seen {
		if want := fmt.Sprintf("m%d", i); got != want {
			t.Fatalf("position %d: got %s, want %s", i, got, want)
		}
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{RatePerSecond: 0.001, Burst: 2})
	a := h.join(alice, "lobby")

	a.send("one")
	a.send("two")
	a.send("three")
	if ev := readUntil(t, a, protocol.TypeError); ev.Content != MsgRateLimited {
		t.Fatalf("unexpected error: %q", ev.Content)
	}
	recent, _ := h.history.Recent(context.Background(), "lobby", 10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 accepted messages, got %d", len(recent))
	}
}

type failingList struct {
	history.ListStore
}

func (failingList) PushTail(context.Context, string, string) error {
	return errors.New("store unreachable")
}

func TestPersistenceFailureClosesOnlyThatConnection(t *testing.T) {
	h := newHarness(t, failingList{history.NewMemoryList()}, Options{})
	a := h.connect(context.Background(), Params{Channel: "lobby", Token: h.token(alice)})
	readUntil(t, a, protocol.TypeMuteStatus)
	b := h.join(bob, "lobby")

	a.send("doomed")
	select {
	case err := <-a.done:
		if err == nil {
			t.Fatal("expected Serve to report the persistence failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
	if got := a.conn.closeCode(); got != protocol.CloseInternalError {
		t.Fatalf("close code = %d, want %d", got, protocol.CloseInternalError)
	}
	if ev := readUntilWithout(t, b, protocol.TypeLeave, protocol.TypeChat); ev.UserID != alice.ID {
		t.Fatalf("unexpected leave: %#v", ev)
	}
	if h.hub.SessionCount() != 1 {
		t.Fatalf("other connection must survive, sessions=%d", h.hub.SessionCount())
	}
}

func TestContextCancelClosesConnection(t *testing.T) {
	h := newHarness(t, history.NewMemoryList(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	c := h.connect(ctx, Params{Channel: "lobby", Token: h.token(alice)})
	readUntil(t, c, protocol.TypeMuteStatus)

	cancel()
	select {
	case err := <-c.done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if h.hub.SessionCount() != 0 {
		t.Fatal("session not removed")
	}
}

func TestCanRecall(t *testing.T) {
	entry := func(who protocol.Identity) protocol.Entry {
		return protocol.Entry{UserID: who.ID, Role: who.Role}
	}
	if !CanRecall(bob, entry(bob)) {
		t.Error("author must be able to recall")
	}
	if CanRecall(bob, entry(alice)) {
		t.Error("non-admin must not recall others")
	}
	if !CanRecall(root, entry(bob)) {
		t.Error("admin must recall non-admin messages")
	}
	if CanRecall(root, entry(boss)) {
		t.Error("admin must not recall another admin's message")
	}
}
