package poker

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mdev84/pointing/internal/poker/store"
)

// binding ties a connection to the (session code, member name) pair it
// joined with. A connection holds at most one binding at a time.
type binding struct {
	code string
	name string
}

// Coordinator is the state-machine entry point for the coordination core.
// It receives one event at a time per connection, validates it against
// session, membership, and ownership state, and drives the registry, vote
// store, round controller, and broadcaster.
//
// All mutations to a single session's state are serialized by a
// per-session mutex held for the whole handler body, including external
// store round-trips. That trades per-request latency for a simple
// consistency model: no second event for a session is applied until the
// pending store read/write has landed in memory. Cross-session traffic
// proceeds in parallel.
type Coordinator struct {
	registry    *Registry
	votes       *VoteStore
	rounds      *RoundController
	broadcaster *Broadcaster
	store       store.Store

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	bindings map[Conn]binding
}

// NewCoordinator wires a coordinator over the given durable store. The
// clock drives round countdowns; production passes
// clockwork.NewRealClock.
func NewCoordinator(st store.Store, clock clockwork.Clock) *Coordinator {
	registry := NewRegistry()
	return &Coordinator{
		registry:    registry,
		votes:       NewVoteStore(),
		rounds:      NewRoundController(clock),
		broadcaster: NewBroadcaster(registry),
		store:       st,
		locks:       make(map[string]*sync.Mutex),
		bindings:    make(map[Conn]binding),
	}
}

// HandleMessage processes one inbound frame from a connection. Malformed
// payloads and unrecognized kinds get an error reply to the sender only;
// neither mutates any state.
func (c *Coordinator) HandleMessage(ctx context.Context, conn Conn, data []byte) {
	ev, err := ParseClientEvent(data)
	if err != nil {
		conn.Send(newError(msgBadPayload))
		return
	}

	switch ev.Type {
	case TypeCreateSession:
		c.createSession(ctx, conn, ev)
	case TypeJoinSession:
		c.joinSession(ctx, conn, ev)
	case TypeUpdateTitle:
		c.updateTitle(ctx, conn, ev)
	case TypeStartVoting:
		c.startVoting(ctx, conn, ev)
	case TypeSubmitVote:
		c.submitVote(conn, ev)
	case TypeGetOwner:
		c.getOwner(ctx, conn, ev)
	case TypePromoteMember:
		c.promoteMember(ctx, conn, ev)
	default:
		conn.Send(newError(msgUnknownType))
	}
}

// HandleDisconnect removes a closed connection's member from its session,
// transferring ownership to the earliest-joined remaining member when the
// owner left, and tears the session down once its connection set empties.
func (c *Coordinator) HandleDisconnect(ctx context.Context, conn Conn) {
	b, ok := c.bindingOf(conn)
	if !ok {
		return
	}
	c.unbind(conn)
	c.leaveSession(ctx, conn, b)
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	return c.registry.SessionCount()
}

func (c *Coordinator) createSession(ctx context.Context, conn Conn, ev ClientEvent) {
	if b, ok := c.bindingOf(conn); ok {
		// A connection holds one binding; creating while joined leaves
		// the old session first.
		c.unbind(conn)
		c.leaveSession(ctx, conn, b)
	}

	code := c.registry.Allocate()
	lock := c.lockFor(code)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.SetField(ctx, code, store.FieldTitle, ev.Title); err != nil {
		c.registry.Release(code)
		c.sendInternalFailure(conn, err, code, "persist title")
		return
	}
	if err := c.store.SetField(ctx, code, store.FieldOwner, ev.UserName); err != nil {
		c.registry.Release(code)
		c.sendInternalFailure(conn, err, code, "persist owner")
		return
	}

	// Freshly allocated session, the name cannot collide.
	_ = c.registry.AddMember(code, conn, ev.UserName)
	c.bind(conn, code, ev.UserName)

	conn.Send(newSessionCreated(code))
	c.broadcastMembers(code)
	conn.Send(newSessionTitle(ev.Title))
	c.broadcaster.Broadcast(code, newOwner(ev.UserName))
	c.broadcaster.Broadcast(code, newSessionTitle(ev.Title))

	log.Info().
		Str("code", code).
		Str("title", ev.Title).
		Str("owner", ev.UserName).
		Msg("session created")
}

func (c *Coordinator) joinSession(ctx context.Context, conn Conn, ev ClientEvent) {
	code := CanonicalCode(ev.Code)

	if b, ok := c.bindingOf(conn); ok {
		if b.code == code && b.name == ev.UserName {
			// Same connection, same name: idempotent, tolerate client retries.
			c.rejoinSession(ctx, conn, b)
			return
		}
		c.unbind(conn)
		c.leaveSession(ctx, conn, b)
	}

	lock := c.lockFor(code)
	lock.Lock()
	defer lock.Unlock()

	exists, err := c.store.Exists(ctx, code)
	if err != nil {
		c.sendInternalFailure(conn, err, code, "check session")
		return
	}
	if !exists {
		conn.Send(newError(msgSessionNotFound))
		return
	}

	// Read both fields before mutating so a store failure leaves the
	// registry untouched.
	owner, err := c.store.GetField(ctx, code, store.FieldOwner)
	if err != nil {
		c.sendInternalFailure(conn, err, code, "read owner")
		return
	}
	title, err := c.store.GetField(ctx, code, store.FieldTitle)
	if err != nil {
		c.sendInternalFailure(conn, err, code, "read title")
		return
	}

	if err := c.registry.AddMember(code, conn, ev.UserName); err != nil {
		conn.Send(newError(msgNameTaken))
		return
	}
	c.bind(conn, code, ev.UserName)

	conn.Send(newSessionJoined(code))
	conn.Send(newMembers(c.registry.Members(code)))
	c.broadcaster.Broadcast(code, newOwner(owner))
	c.broadcastMembers(code)
	conn.Send(newSessionTitle(title))
	c.broadcaster.Broadcast(code, newSessionTitle(title))

	log.Info().
		Str("code", code).
		Str("user", ev.UserName).
		Msg("user joined session")
}

// rejoinSession answers an idempotent rejoin: no registry mutation, the
// joiner gets the current code, members, owner, and title again.
func (c *Coordinator) rejoinSession(ctx context.Context, conn Conn, b binding) {
	lock := c.lockFor(b.code)
	lock.Lock()
	defer lock.Unlock()

	conn.Send(newSessionJoined(b.code))
	conn.Send(newMembers(c.registry.Members(b.code)))
	c.broadcastMembers(b.code)

	owner, err := c.store.GetField(ctx, b.code, store.FieldOwner)
	if err != nil {
		c.sendInternalFailure(conn, err, b.code, "read owner")
		return
	}
	conn.Send(newOwner(owner))

	title, err := c.store.GetField(ctx, b.code, store.FieldTitle)
	if err != nil {
		c.sendInternalFailure(conn, err, b.code, "read title")
		return
	}
	conn.Send(newSessionTitle(title))
	c.broadcaster.Broadcast(b.code, newSessionTitle(title))
}

func (c *Coordinator) updateTitle(ctx context.Context, conn Conn, ev ClientEvent) {
	b, ok := c.bindingOf(conn)
	if !ok {
		conn.Send(newError(msgTitleNotOwner))
		return
	}

	lock := c.lockFor(b.code)
	lock.Lock()
	defer lock.Unlock()

	owner, err := c.store.GetField(ctx, b.code, store.FieldOwner)
	if err != nil {
		c.sendInternalFailure(conn, err, b.code, "read owner")
		return
	}
	if b.name != owner {
		conn.Send(newError(msgTitleNotOwner))
		return
	}

	if err := c.store.SetField(ctx, b.code, store.FieldTitle, ev.Title); err != nil {
		c.sendInternalFailure(conn, err, b.code, "persist title")
		return
	}
	c.broadcaster.Broadcast(b.code, newSessionTitle(ev.Title))

	log.Info().
		Str("code", b.code).
		Str("title", ev.Title).
		Msg("title updated")
}

func (c *Coordinator) startVoting(ctx context.Context, conn Conn, ev ClientEvent) {
	b, ok := c.bindingOf(conn)
	if !ok {
		conn.Send(newError(msgVotingNotOwner))
		return
	}

	lock := c.lockFor(b.code)
	lock.Lock()
	defer lock.Unlock()

	owner, err := c.store.GetField(ctx, b.code, store.FieldOwner)
	if err != nil {
		c.sendInternalFailure(conn, err, b.code, "read owner")
		return
	}
	if b.name != owner {
		conn.Send(newError(msgVotingNotOwner))
		return
	}
	if c.rounds.Active(b.code) {
		conn.Send(newError(msgRoundActive))
		return
	}

	seconds := clampDuration(ev.Duration)
	c.votes.Clear(b.code)

	code := b.code
	if err := c.rounds.Start(code, seconds, func() { c.handleTick(code) }); err != nil {
		conn.Send(newError(msgRoundActive))
		return
	}
	c.broadcaster.Broadcast(code, newVotingState(true, seconds))
}

func (c *Coordinator) submitVote(conn Conn, ev ClientEvent) {
	b, ok := c.bindingOf(conn)
	if !ok {
		conn.Send(newError(msgRoundInactive))
		return
	}

	lock := c.lockFor(b.code)
	lock.Lock()
	defer lock.Unlock()

	if !c.rounds.Active(b.code) {
		conn.Send(newError(msgRoundInactive))
		return
	}

	c.votes.Record(b.code, b.name, ev.Point)
	conn.Send(newVoteReceived())

	log.Info().
		Str("code", b.code).
		Str("user", b.name).
		Msg("vote recorded")
}

func (c *Coordinator) getOwner(ctx context.Context, conn Conn, ev ClientEvent) {
	code := CanonicalCode(ev.Code)
	if code == "" {
		return
	}

	owner, err := c.store.GetField(ctx, code, store.FieldOwner)
	if err != nil {
		c.sendInternalFailure(conn, err, code, "read owner")
		return
	}
	conn.Send(newOwner(owner))
}

func (c *Coordinator) promoteMember(ctx context.Context, conn Conn, ev ClientEvent) {
	b, ok := c.bindingOf(conn)
	if !ok {
		conn.Send(newError(msgPromoteNotOwner))
		return
	}

	lock := c.lockFor(b.code)
	lock.Lock()
	defer lock.Unlock()

	owner, err := c.store.GetField(ctx, b.code, store.FieldOwner)
	if err != nil {
		c.sendInternalFailure(conn, err, b.code, "read owner")
		return
	}
	if b.name != owner {
		conn.Send(newError(msgPromoteNotOwner))
		return
	}

	target := ev.UserName
	if !c.registry.HasMember(b.code, target) {
		conn.Send(newError(msgMemberNotFound))
		return
	}

	if err := c.store.SetField(ctx, b.code, store.FieldOwner, target); err != nil {
		c.sendInternalFailure(conn, err, b.code, "persist owner")
		return
	}
	c.broadcastMembers(b.code)
	c.broadcaster.Broadcast(b.code, newOwner(target))

	log.Info().
		Str("code", b.code).
		Str("owner", target).
		Msg("owner promoted")
}

// handleTick runs once per countdown second on the round's ticker
// goroutine. It re-acquires the session's serialization and verifies the
// session still exists: a tick can race a disconnect that destroyed the
// session, in which case it must be a no-op.
func (c *Coordinator) handleTick(code string) {
	lock := c.lockFor(code)
	lock.Lock()
	defer lock.Unlock()

	if !c.registry.Known(code) {
		return
	}

	remaining, ok := c.rounds.Decrement(code)
	if !ok {
		return
	}
	if remaining > 0 {
		c.broadcaster.Broadcast(code, newVotingState(true, remaining))
		return
	}

	c.rounds.Finish(code)
	c.broadcaster.Broadcast(code, newVotingState(false, 0))

	votes := c.votes.Snapshot(code)
	avg, distribution := Summarize(votes)
	c.broadcaster.Broadcast(code, newVotesRevealed(votes, avg, distribution))

	log.Info().
		Str("code", code).
		Int("votes", len(votes)).
		Msg("votes revealed")
}

// leaveSession removes a member from its session: the registry entry goes,
// ownership transfers to the earliest-joined remaining member when the
// owner left, and the session plus any running round is destroyed once no
// connections remain.
func (c *Coordinator) leaveSession(ctx context.Context, conn Conn, b binding) {
	lock := c.lockFor(b.code)
	lock.Lock()
	defer lock.Unlock()

	if !c.registry.Known(b.code) {
		return
	}

	owner, err := c.store.GetField(ctx, b.code, store.FieldOwner)
	if err != nil {
		// The leaver cannot be replied to; skip succession but keep
		// membership consistent.
		log.Error().Err(err).Str("code", b.code).Msg("owner lookup failed during leave")
	}

	c.registry.RemoveMember(b.code, conn, b.name)

	remaining := c.registry.Members(b.code)
	if err == nil && owner == b.name && len(remaining) > 0 {
		next := remaining[0]
		if serr := c.store.SetField(ctx, b.code, store.FieldOwner, next); serr != nil {
			log.Error().Err(serr).Str("code", b.code).Msg("ownership transfer failed")
		} else {
			c.broadcaster.Broadcast(b.code, newOwner(next))
			log.Info().
				Str("code", b.code).
				Str("owner", next).
				Msg("ownership transferred")
		}
	}
	c.broadcastMembers(b.code)

	log.Info().
		Str("code", b.code).
		Str("user", b.name).
		Msg("user left session")

	if c.registry.ConnCount(b.code) == 0 {
		c.rounds.Cancel(b.code)
		c.votes.Drop(b.code)
		c.registry.Destroy(b.code)
		log.Info().Str("code", b.code).Msg("session ended")
	}
}

func (c *Coordinator) broadcastMembers(code string) {
	c.broadcaster.Broadcast(code, newMembers(c.registry.Members(code)))
}

func (c *Coordinator) sendInternalFailure(conn Conn, err error, code, op string) {
	log.Error().
		Err(err).
		Str("code", code).
		Str("op", op).
		Msg("session store failure")
	conn.Send(newError(msgInternalFailure))
}

// lockFor returns the serialization mutex for a session code. Locks are
// kept for the life of the process so a goroutine waiting on a session
// being destroyed still serializes correctly against a later session
// reusing the same code.
func (c *Coordinator) lockFor(code string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[code]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[code] = lock
	}
	return lock
}

func (c *Coordinator) bindingOf(conn Conn) (binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bindings[conn]
	return b, ok
}

func (c *Coordinator) bind(conn Conn, code, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bindings[conn] = binding{code: code, name: name}
}

func (c *Coordinator) unbind(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.bindings, conn)
}
