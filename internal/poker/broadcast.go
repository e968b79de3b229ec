package poker

import "github.com/rs/zerolog/log"

// Broadcaster fans typed events out to every live connection of a
// session. Within a session, events reach all current connections in the
// order the coordinator issues them: the coordinator serializes per
// session and each connection's send queue is FIFO. No ordering is
// promised across sessions.
type Broadcaster struct {
	registry *Registry
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Broadcast sends the event to every connection currently in the session.
// Connections found not open are skipped; the disconnect handler owns
// their cleanup.
func (b *Broadcaster) Broadcast(code string, event any) {
	conns := b.registry.Conns(code)
	sent := 0
	for _, conn := range conns {
		if !conn.IsOpen() {
			continue
		}
		conn.Send(event)
		sent++
	}

	log.Debug().
		Str("code", code).
		Int("connections", sent).
		Msg("event broadcast")
}
