package poker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	minRoundSeconds     = 5
	maxRoundSeconds     = 120
	defaultRoundSeconds = 10
)

// clampDuration normalizes a client-supplied round duration. Non-numeric
// or absent values fall back to the default; fractional seconds truncate
// toward zero; the result is clamped into [minRoundSeconds,
// maxRoundSeconds].
func clampDuration(value any) int {
	f, ok := asNumber(value)
	if !ok {
		return defaultRoundSeconds
	}
	d := int(f)
	if d < minRoundSeconds {
		return minRoundSeconds
	}
	if d > maxRoundSeconds {
		return maxRoundSeconds
	}
	return d
}

// round is one timed voting cycle. seconds counts down under the owning
// session's serialization; the ticker goroutine only forwards ticks.
type round struct {
	active   bool
	seconds  int
	ticker   clockwork.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

func (r *round) stop() {
	r.stopOnce.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})
}

// RoundController owns the per-session voting round state machine:
// Idle -> Active(seconds) -> Idle. Callers are expected to hold the
// session's serialization while calling into it; the controller's own
// mutex only protects the cross-session map.
type RoundController struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	rounds map[string]*round
}

// NewRoundController creates a controller ticking on the given clock.
// Production wiring passes clockwork.NewRealClock.
func NewRoundController(clock clockwork.Clock) *RoundController {
	return &RoundController{
		clock:  clock,
		rounds: make(map[string]*round),
	}
}

// Start transitions a session's round from Idle to Active and schedules a
// repeating one-second tick. Each tick invokes the supplied callback,
// which is responsible for re-acquiring the session's serialization
// before touching round state. Returns ErrRoundActive if a round is
// already running.
func (rc *RoundController) Start(code string, seconds int, tick func()) error {
	rc.mu.Lock()
	if r := rc.rounds[code]; r != nil && r.active {
		rc.mu.Unlock()
		return ErrRoundActive
	}
	r := &round{
		active:  true,
		seconds: seconds,
		ticker:  rc.clock.NewTicker(time.Second),
		done:    make(chan struct{}),
	}
	rc.rounds[code] = r
	rc.mu.Unlock()

	go rc.run(r, tick)

	log.Info().Str("code", code).Int("duration_sec", seconds).Msg("voting started")
	return nil
}

// run forwards ticks until the round is stopped. The callback runs on
// this goroutine, so a stop issued while a tick executes takes effect on
// the next loop iteration.
func (rc *RoundController) run(r *round, tick func()) {
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.Chan():
			tick()
		}
	}
}

// Active reports whether the session currently has an active round.
func (rc *RoundController) Active(code string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	r := rc.rounds[code]
	return r != nil && r.active
}

// Seconds returns the remaining seconds of the session's round.
func (rc *RoundController) Seconds(code string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if r := rc.rounds[code]; r != nil {
		return r.seconds
	}
	return 0
}

// Decrement advances the countdown by one tick and returns the remaining
// seconds. ok is false when no active round exists, which happens when a
// tick races the session's teardown.
func (rc *RoundController) Decrement(code string) (remaining int, ok bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	r := rc.rounds[code]
	if r == nil || !r.active {
		return 0, false
	}
	r.seconds--
	return r.seconds, true
}

// Finish completes a round naturally: the tick is cancelled and the round
// becomes Idle. The round entry stays so a later Start can reuse it.
func (rc *RoundController) Finish(code string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	r := rc.rounds[code]
	if r == nil {
		return
	}
	r.active = false
	r.seconds = 0
	r.stop()
}

// Cancel tears down a session's round entirely, stopping any running tick.
// Safe to call on sessions without a round and safe to call twice.
func (rc *RoundController) Cancel(code string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	r := rc.rounds[code]
	if r == nil {
		return
	}
	r.active = false
	r.stop()
	delete(rc.rounds, code)
}
