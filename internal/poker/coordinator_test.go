package poker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mdev84/pointing/internal/poker/store"
)

// fakeConn is an in-process poker.Conn delivering events on a channel.
type fakeConn struct {
	id     string
	closed atomic.Bool
	events chan any
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, events: make(chan any, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) IsOpen() bool { return !c.closed.Load() }

func (c *fakeConn) Send(event any) {
	select {
	case c.events <- event:
	default:
	}
}

// waitFor discards events until one of the wanted type arrives.
func waitFor[T any](t *testing.T, c *fakeConn) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func drain(c *fakeConn) {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

func expectError(t *testing.T, c *fakeConn, message string) {
	t.Helper()
	ev := waitFor[ErrorEvent](t, c)
	if ev.Message != message {
		t.Fatalf("error message = %q, want %q", ev.Message, message)
	}
}

func expectNoEvent(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemoryStore()
	return NewCoordinator(st, clock), st, clock
}

func createSession(t *testing.T, c *Coordinator, conn *fakeConn, title, name string) string {
	t.Helper()
	msg := fmt.Sprintf(`{"type":"create-session","title":%q,"userName":%q}`, title, name)
	c.HandleMessage(context.Background(), conn, []byte(msg))
	return waitFor[SessionCreatedEvent](t, conn).Code
}

func joinSession(t *testing.T, c *Coordinator, conn *fakeConn, code, name string) {
	t.Helper()
	msg := fmt.Sprintf(`{"type":"join-session","code":%q,"userName":%q}`, code, name)
	c.HandleMessage(context.Background(), conn, []byte(msg))
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	alice := newFakeConn("a")

	code := createSession(t, c, alice, "Sprint 5", "alice")

	if len(code) != 4 {
		t.Fatalf("code %q is not 4 characters", code)
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("unexpected character %q in code %q", r, code)
		}
	}

	title, _ := st.GetField(ctx, code, store.FieldTitle)
	if title != "Sprint 5" {
		t.Fatalf("persisted title = %q, want %q", title, "Sprint 5")
	}
	owner, _ := st.GetField(ctx, code, store.FieldOwner)
	if owner != "alice" {
		t.Fatalf("persisted owner = %q, want %q", owner, "alice")
	}

	members := waitFor[MembersEvent](t, alice)
	if len(members.Members) != 1 || members.Members[0] != "alice" {
		t.Fatalf("members = %v, want [alice]", members.Members)
	}
	if ev := waitFor[OwnerEvent](t, alice); ev.Owner != "alice" {
		t.Fatalf("owner event = %q, want alice", ev.Owner)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	bob := newFakeConn("b")

	joinSession(t, c, bob, "ZZZZ", "bob")

	expectError(t, bob, "Session not found.")
	if c.SessionCount() != 0 {
		t.Fatalf("registry mutated by failed join")
	}
}

func TestJoinLowercasesCode(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")

	joinSession(t, c, bob, strings.ToLower(code), "bob")
	if ev := waitFor[SessionJoinedEvent](t, bob); ev.Code != code {
		t.Fatalf("joined code = %q, want %q", ev.Code, code)
	}
}

func TestJoinDuplicateName(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	impostor := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")

	joinSession(t, c, impostor, code, "alice")

	expectError(t, impostor, "This name is already taken in this session. Please choose another.")
	if got := c.registry.Members(code); len(got) != 1 {
		t.Fatalf("members mutated by rejected join: %v", got)
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	joinSession(t, c, bob, code, "bob")
	drain(bob)

	joinSession(t, c, bob, code, "bob")

	if ev := waitFor[SessionJoinedEvent](t, bob); ev.Code != code {
		t.Fatalf("rejoin code = %q, want %q", ev.Code, code)
	}
	members := waitFor[MembersEvent](t, bob)
	if len(members.Members) != 2 {
		t.Fatalf("members = %v, want two entries", members.Members)
	}
	if ev := waitFor[OwnerEvent](t, bob); ev.Owner != "alice" {
		t.Fatalf("owner after rejoin = %q, want alice", ev.Owner)
	}
	if ev := waitFor[SessionTitleEvent](t, bob); ev.Title != "Sprint 5" {
		t.Fatalf("title after rejoin = %q, want Sprint 5", ev.Title)
	}
	if got := c.registry.Members(code); len(got) != 2 {
		t.Fatalf("rejoin mutated members: %v", got)
	}
}

func TestUpdateTitleOwnerOnly(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	joinSession(t, c, bob, code, "bob")
	drain(alice)
	drain(bob)

	c.HandleMessage(ctx, bob, []byte(`{"type":"update-title","title":"Hijacked"}`))
	expectError(t, bob, "Only the session owner can update the title.")

	if title, _ := st.GetField(ctx, code, store.FieldTitle); title != "Sprint 5" {
		t.Fatalf("title mutated by non-owner: %q", title)
	}

	c.HandleMessage(ctx, alice, []byte(`{"type":"update-title","title":"Sprint 6"}`))
	if ev := waitFor[SessionTitleEvent](t, bob); ev.Title != "Sprint 6" {
		t.Fatalf("broadcast title = %q, want Sprint 6", ev.Title)
	}
	if title, _ := st.GetField(ctx, code, store.FieldTitle); title != "Sprint 6" {
		t.Fatalf("persisted title = %q, want Sprint 6", title)
	}
}

func TestStartVotingOwnerOnly(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	joinSession(t, c, bob, code, "bob")
	drain(bob)

	c.HandleMessage(ctx, bob, []byte(`{"type":"start-voting"}`))
	expectError(t, bob, "Only the session owner can start voting.")
	if c.rounds.Active(code) {
		t.Fatal("round started by non-owner")
	}
}

func TestStartVotingTwice(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	drain(alice)

	c.HandleMessage(ctx, alice, []byte(`{"type":"start-voting","duration":30}`))
	state := waitFor[VotingStateEvent](t, alice)
	if !state.Active || state.Seconds != 30 {
		t.Fatalf("voting state = %+v, want active 30s", state)
	}

	c.HandleMessage(ctx, alice, []byte(`{"type":"submit-vote","point":3}`))
	waitFor[VoteReceivedEvent](t, alice)

	c.HandleMessage(ctx, alice, []byte(`{"type":"start-voting"}`))
	expectError(t, alice, "Voting already in progress.")

	// The rejected attempt must not touch the vote store.
	if votes := c.votes.Snapshot(code); len(votes) != 1 {
		t.Fatalf("votes after rejected start: %v", votes)
	}
}

func TestStartVotingClampsDuration(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"too short", `{"type":"start-voting","duration":2}`, 5},
		{"too long", `{"type":"start-voting","duration":500}`, 120},
		{"fractional", `{"type":"start-voting","duration":37.9}`, 37},
		{"absent", `{"type":"start-voting"}`, 10},
		{"non-numeric", `{"type":"start-voting","duration":"fast"}`, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestCoordinator(t)
			alice := newFakeConn("a")
			createSession(t, c, alice, "Sprint", "alice")
			drain(alice)

			c.HandleMessage(context.Background(), alice, []byte(tt.payload))
			state := waitFor[VotingStateEvent](t, alice)
			if !state.Active || state.Seconds != tt.want {
				t.Fatalf("voting state = %+v, want active %ds", state, tt.want)
			}
		})
	}
}

func TestSubmitVoteWithoutActiveRound(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	drain(alice)

	c.HandleMessage(ctx, alice, []byte(`{"type":"submit-vote","point":3}`))
	expectError(t, alice, "Voting is not active.")

	if votes := c.votes.Snapshot(code); len(votes) != 0 {
		t.Fatalf("vote store mutated: %v", votes)
	}
}

func TestVotingRoundEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	joinSession(t, c, bob, code, "bob")
	drain(alice)
	drain(bob)

	c.HandleMessage(ctx, alice, []byte(`{"type":"start-voting","duration":5}`))
	for _, conn := range []*fakeConn{alice, bob} {
		state := waitFor[VotingStateEvent](t, conn)
		if !state.Active || state.Seconds != 5 {
			t.Fatalf("initial voting state = %+v, want active 5s", state)
		}
	}

	c.HandleMessage(ctx, alice, []byte(`{"type":"submit-vote","point":3}`))
	waitFor[VoteReceivedEvent](t, alice)
	c.HandleMessage(ctx, bob, []byte(`{"type":"submit-vote","point":5}`))
	waitFor[VoteReceivedEvent](t, bob)

	for remaining := 4; remaining >= 1; remaining-- {
		clock.Advance(time.Second)
		state := waitFor[VotingStateEvent](t, bob)
		if !state.Active || state.Seconds != remaining {
			t.Fatalf("countdown state = %+v, want active %ds", state, remaining)
		}
	}

	clock.Advance(time.Second)
	final := waitFor[VotingStateEvent](t, bob)
	if final.Active || final.Seconds != 0 {
		t.Fatalf("final state = %+v, want inactive 0s", final)
	}

	for _, conn := range []*fakeConn{alice, bob} {
		revealed := waitFor[VotesRevealedEvent](t, conn)
		if got := revealed.Votes["alice"]; got != float64(3) {
			t.Fatalf("alice's revealed vote = %v, want 3", got)
		}
		if got := revealed.Votes["bob"]; got != float64(5) {
			t.Fatalf("bob's revealed vote = %v, want 5", got)
		}
		if revealed.Avg == nil || *revealed.Avg != 4 {
			t.Fatalf("avg = %v, want 4", revealed.Avg)
		}
		if revealed.Distribution["3"] != 1 || revealed.Distribution["5"] != 1 {
			t.Fatalf("distribution = %v, want {3:1 5:1}", revealed.Distribution)
		}
	}

	if c.rounds.Active(code) {
		t.Fatal("round still active after reveal")
	}
}

func TestRevealWithOnlyAbstentions(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCoordinator(t)
	alice := newFakeConn("a")

	createSession(t, c, alice, "Sprint 5", "alice")
	drain(alice)

	c.HandleMessage(ctx, alice, []byte(`{"type":"start-voting","duration":5}`))
	c.HandleMessage(ctx, alice, []byte(`{"type":"submit-vote","point":"?"}`))
	drain(alice)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		waitFor[VotingStateEvent](t, alice)
	}

	revealed := waitFor[VotesRevealedEvent](t, alice)
	if revealed.Avg != nil {
		t.Fatalf("avg = %v, want null", *revealed.Avg)
	}
	if got := revealed.Votes["alice"]; got != "?" {
		t.Fatalf("raw vote = %v, want ?", got)
	}
	if len(revealed.Distribution) != 0 {
		t.Fatalf("distribution = %v, want empty", revealed.Distribution)
	}
}

func TestPromoteMember(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	joinSession(t, c, bob, code, "bob")
	drain(alice)
	drain(bob)

	c.HandleMessage(ctx, bob, []byte(`{"type":"promote-member","userName":"bob"}`))
	expectError(t, bob, "Only the session owner can promote another member.")

	c.HandleMessage(ctx, alice, []byte(`{"type":"promote-member","userName":"carol"}`))
	expectError(t, alice, "Target member not found.")

	c.HandleMessage(ctx, alice, []byte(`{"type":"promote-member","userName":"bob"}`))
	if ev := waitFor[OwnerEvent](t, bob); ev.Owner != "bob" {
		t.Fatalf("owner broadcast = %q, want bob", ev.Owner)
	}
	if owner, _ := st.GetField(ctx, code, store.FieldOwner); owner != "bob" {
		t.Fatalf("persisted owner = %q, want bob", owner)
	}
}

func TestGetOwner(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	outsider := newFakeConn("o")

	code := createSession(t, c, alice, "Sprint 5", "alice")

	msg := fmt.Sprintf(`{"type":"get-owner","code":%q}`, strings.ToLower(code))
	c.HandleMessage(ctx, outsider, []byte(msg))
	if ev := waitFor[OwnerEvent](t, outsider); ev.Owner != "alice" {
		t.Fatalf("owner = %q, want alice", ev.Owner)
	}

	// Unknown codes answer with an empty owner.
	c.HandleMessage(ctx, outsider, []byte(`{"type":"get-owner","code":"ZZZZ"}`))
	if ev := waitFor[OwnerEvent](t, outsider); ev.Owner != "" {
		t.Fatalf("owner for unknown code = %q, want empty", ev.Owner)
	}
}

func TestOwnerDisconnectTransfersOwnership(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestCoordinator(t)
	alice := newFakeConn("a")
	bob := newFakeConn("b")
	carol := newFakeConn("c")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	joinSession(t, c, bob, code, "bob")
	joinSession(t, c, carol, code, "carol")
	drain(bob)
	drain(carol)

	c.HandleDisconnect(ctx, alice)

	// Succession is deterministic: the earliest-joined remaining member.
	for _, conn := range []*fakeConn{bob, carol} {
		if ev := waitFor[OwnerEvent](t, conn); ev.Owner != "bob" {
			t.Fatalf("owner broadcast = %q, want bob", ev.Owner)
		}
	}
	if owner, _ := st.GetField(ctx, code, store.FieldOwner); owner != "bob" {
		t.Fatalf("persisted owner = %q, want bob", owner)
	}

	members := waitFor[MembersEvent](t, carol)
	if len(members.Members) != 2 {
		t.Fatalf("members after disconnect = %v", members.Members)
	}
}

func TestLastDisconnectDestroysSession(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestCoordinator(t)
	alice := newFakeConn("a")

	code := createSession(t, c, alice, "Sprint 5", "alice")
	drain(alice)

	c.HandleMessage(ctx, alice, []byte(`{"type":"start-voting","duration":30}`))
	waitFor[VotingStateEvent](t, alice)

	c.HandleDisconnect(ctx, alice)

	if c.registry.Known(code) {
		t.Fatal("session still known after last disconnect")
	}
	if c.rounds.Active(code) {
		t.Fatal("round still active after session teardown")
	}

	// No further ticks may be observed after teardown.
	drain(alice)
	clock.Advance(time.Second)
	clock.Advance(time.Second)
	expectNoEvent(t, alice)

	if votes := c.votes.Snapshot(code); len(votes) != 0 {
		t.Fatalf("vote store survived teardown: %v", votes)
	}
}

func TestTickAfterTeardownIsNoOp(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	// A tick whose session is already gone must not mutate anything.
	c.handleTick("GONE")

	if c.SessionCount() != 0 {
		t.Fatal("tick created session state")
	}
}

func TestUnknownMessageType(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	conn := newFakeConn("a")

	c.HandleMessage(context.Background(), conn, []byte(`{"type":"self-destruct"}`))
	expectError(t, conn, "Unknown message type.")
}

func TestMalformedPayload(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	conn := newFakeConn("a")

	c.HandleMessage(context.Background(), conn, []byte(`{not json`))
	expectError(t, conn, "Invalid message format.")
	if c.SessionCount() != 0 {
		t.Fatal("malformed payload mutated state")
	}
}

// failingStore simulates an unavailable external store.
type failingStore struct{ err error }

func (f failingStore) GetField(context.Context, string, store.Field) (string, error) {
	return "", f.err
}

func (f failingStore) SetField(context.Context, string, store.Field, string) error {
	return f.err
}

func (f failingStore) Exists(context.Context, string) (bool, error) {
	return false, f.err
}

func TestCreateSessionStoreFailure(t *testing.T) {
	c := NewCoordinator(failingStore{err: errors.New("store down")}, clockwork.NewFakeClock())
	alice := newFakeConn("a")

	c.HandleMessage(context.Background(), alice, []byte(`{"type":"create-session","title":"T","userName":"alice"}`))

	expectError(t, alice, "Something went wrong. Please try again.")
	if c.SessionCount() != 0 {
		t.Fatal("failed create left registry state behind")
	}
}

func TestDisconnectedUnboundConnIsNoOp(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	conn := newFakeConn("a")

	c.HandleDisconnect(context.Background(), conn)
	expectNoEvent(t, conn)
}
