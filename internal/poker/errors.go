package poker

import "errors"

// Core error taxonomy. Handlers map these to the user-facing reply text;
// none of them mutate state when returned.
var (
	ErrBadPayload      = errors.New("invalid message format")
	ErrUnknownType     = errors.New("unknown message type")
	ErrSessionNotFound = errors.New("session not found")
	ErrNameTaken       = errors.New("name already taken in session")
	ErrNotOwner        = errors.New("sender is not the session owner")
	ErrRoundActive     = errors.New("voting already in progress")
	ErrRoundInactive   = errors.New("voting is not active")
	ErrMemberNotFound  = errors.New("target member not found")
)

// User-facing reply text, kept stable for existing clients.
const (
	msgBadPayload      = "Invalid message format."
	msgUnknownType     = "Unknown message type."
	msgSessionNotFound = "Session not found."
	msgNameTaken       = "This name is already taken in this session. Please choose another."
	msgTitleNotOwner   = "Only the session owner can update the title."
	msgVotingNotOwner  = "Only the session owner can start voting."
	msgPromoteNotOwner = "Only the session owner can promote another member."
	msgRoundActive     = "Voting already in progress."
	msgRoundInactive   = "Voting is not active."
	msgMemberNotFound  = "Target member not found."
	msgInternalFailure = "Something went wrong. Please try again."
)
