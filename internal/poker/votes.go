package poker

import (
	"strconv"
	"sync"
)

// VoteStore holds the current round's submitted value per member, keyed by
// session code. Re-submission by the same member overwrites the prior
// value; the mapping is cleared at round start and dropped with its
// session.
type VoteStore struct {
	mu    sync.Mutex
	votes map[string]map[string]any
}

// NewVoteStore creates an empty vote store.
func NewVoteStore() *VoteStore {
	return &VoteStore{votes: make(map[string]map[string]any)}
}

// Clear resets the vote mapping for a session, ready for a new round.
func (vs *VoteStore) Clear(code string) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.votes[code] = make(map[string]any)
}

// Record stores a member's vote, last write wins.
func (vs *VoteStore) Record(code, member string, value any) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.votes[code] == nil {
		vs.votes[code] = make(map[string]any)
	}
	vs.votes[code][member] = value
}

// Snapshot returns a copy of the session's current vote mapping.
func (vs *VoteStore) Snapshot(code string) map[string]any {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	out := make(map[string]any, len(vs.votes[code]))
	for member, value := range vs.votes[code] {
		out[member] = value
	}
	return out
}

// Drop discards all vote state for a session.
func (vs *VoteStore) Drop(code string) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	delete(vs.votes, code)
}

// Summarize derives the reveal statistics from a vote mapping: the
// arithmetic mean of the numeric votes (nil when there are none, which
// serializes as a null avg) and a value-to-count distribution over the
// numeric votes. Non-numeric submissions such as "?" abstentions stay in
// the raw mapping but do not contribute to either statistic.
func Summarize(votes map[string]any) (avg *float64, distribution map[string]int) {
	distribution = make(map[string]int)

	var sum float64
	var count int
	for _, value := range votes {
		point, ok := asNumber(value)
		if !ok {
			continue
		}
		sum += point
		count++
		distribution[formatPoint(point)]++
	}

	if count == 0 {
		return nil, distribution
	}
	mean := sum / float64(count)
	return &mean, distribution
}

// asNumber extracts a numeric vote. Values decoded from JSON arrive as
// float64; int is accepted for callers constructing events directly.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// formatPoint renders a numeric vote the way clients sent it: integral
// values without a decimal part.
func formatPoint(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
