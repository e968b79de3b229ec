package poker

import "encoding/json"

// Client event kinds. Every inbound frame carries a "type" discriminator.
const (
	TypeCreateSession = "create-session"
	TypeJoinSession   = "join-session"
	TypeUpdateTitle   = "update-title"
	TypeStartVoting   = "start-voting"
	TypeSubmitVote    = "submit-vote"
	TypeGetOwner      = "get-owner"
	TypePromoteMember = "promote-member"
)

// Server event kinds, used on every outbound response and broadcast.
const (
	TypeSessionCreated = "session-created"
	TypeSessionJoined  = "session-joined"
	TypeMembers        = "members"
	TypeOwner          = "owner"
	TypeSessionTitle   = "session-title"
	TypeVotingState    = "voting-state"
	TypeVoteReceived   = "vote-received"
	TypeVotesRevealed  = "votes-revealed"
	TypeError          = "error"
)

// ClientEvent is the validated shape of an inbound frame. Duration and
// Point stay untyped on purpose: clients may send numbers or strings (a
// "?" abstention vote, for example) and the handlers decide what to do
// with each.
type ClientEvent struct {
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	UserName string `json:"userName,omitempty"`
	Code     string `json:"code,omitempty"`
	Duration any    `json:"duration,omitempty"`
	Point    any    `json:"point,omitempty"`
}

// ParseClientEvent validates an inbound frame at the boundary. A frame
// that is not a JSON object yields ErrBadPayload; an unrecognized type is
// left for the dispatcher so the sender gets the right error back.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ClientEvent{}, ErrBadPayload
	}
	return ev, nil
}

// SessionCreatedEvent confirms a create-session to the creator.
type SessionCreatedEvent struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// SessionJoinedEvent confirms a join-session to the joiner.
type SessionJoinedEvent struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// MembersEvent carries the current member list, in join order.
type MembersEvent struct {
	Type    string   `json:"type"`
	Members []string `json:"members"`
}

// OwnerEvent carries the current session owner. An empty owner is a valid
// answer for sessions that have none.
type OwnerEvent struct {
	Type  string `json:"type"`
	Owner string `json:"owner"`
}

// SessionTitleEvent carries the current session title.
type SessionTitleEvent struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// VotingStateEvent carries round state: active plus the remaining seconds
// of the countdown.
type VotingStateEvent struct {
	Type    string `json:"type"`
	Active  bool   `json:"active"`
	Seconds int    `json:"seconds"`
}

// VoteReceivedEvent acknowledges a submitted vote to its sender only.
type VoteReceivedEvent struct {
	Type string `json:"type"`
}

// VotesRevealedEvent publishes the full vote mapping and derived
// statistics at round end. Avg is null when no numeric votes were cast.
type VotesRevealedEvent struct {
	Type         string         `json:"type"`
	Votes        map[string]any `json:"votes"`
	Avg          *float64       `json:"avg"`
	Distribution map[string]int `json:"distribution"`
}

// ErrorEvent reports a rejected action to the initiating connection.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newSessionCreated(code string) SessionCreatedEvent {
	return SessionCreatedEvent{Type: TypeSessionCreated, Code: code}
}

func newSessionJoined(code string) SessionJoinedEvent {
	return SessionJoinedEvent{Type: TypeSessionJoined, Code: code}
}

func newMembers(members []string) MembersEvent {
	return MembersEvent{Type: TypeMembers, Members: members}
}

func newOwner(owner string) OwnerEvent {
	return OwnerEvent{Type: TypeOwner, Owner: owner}
}

func newSessionTitle(title string) SessionTitleEvent {
	return SessionTitleEvent{Type: TypeSessionTitle, Title: title}
}

func newVotingState(active bool, seconds int) VotingStateEvent {
	return VotingStateEvent{Type: TypeVotingState, Active: active, Seconds: seconds}
}

func newVoteReceived() VoteReceivedEvent {
	return VoteReceivedEvent{Type: TypeVoteReceived}
}

func newVotesRevealed(votes map[string]any, avg *float64, distribution map[string]int) VotesRevealedEvent {
	return VotesRevealedEvent{Type: TypeVotesRevealed, Votes: votes, Avg: avg, Distribution: distribution}
}

func newError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}
