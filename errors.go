package chatsync

import "errors"

// Sentinel errors for the failure modes callers branch on. Everything here
// degrades to a retryable UI state — none of these is fatal to the process.
var (
	// ErrTimeout means the ack did not arrive within the request budget.
	// The logical action can be re-issued as-is.
	ErrTimeout = errors.New("chatsync: request timed out")

	// ErrDisconnected means the connection dropped while the request was
	// in flight. The request may or may not have reached the server;
	// ordering across the reconnect boundary is not defined, so the
	// request fails rather than resolving late.
	ErrDisconnected = errors.New("chatsync: connection lost")

	// ErrNotConnected means the request was issued with no connection
	// established at all.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrRoomNotReady means an action needs an acknowledged room
	// membership that hasn't been confirmed yet. Recoverable: a later
	// reconnect or navigation re-triggers the join.
	ErrRoomNotReady = errors.New("chatsync: room membership not confirmed")

	// ErrNotAllowed means the conversation's current state does not
	// permit the requested action.
	ErrNotAllowed = errors.New("chatsync: action not allowed in current state")

	// ErrCooldown means the retry action is still gated by canRetryAt.
	ErrCooldown = errors.New("chatsync: retry cooldown active")

	// ErrSendInFlight means the entry already has an outstanding send
	// attempt; at most one may run per entry at a time.
	ErrSendInFlight = errors.New("chatsync: send already in flight")

	// ErrOutstandingRequest means the prospective recipient already has a
	// pending outbox entry; the start-new-chat flow allows only one.
	ErrOutstandingRequest = errors.New("chatsync: recipient already has a pending message")
)

// ServerError carries a failure the server reported in an acknowledgement.
// The message is surfaced verbatim to the UI.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "chatsync: server rejected the request"
	}
	return "chatsync: " + e.Message
}

// serverFailure converts a failed envelope into an error.
func serverFailure(env Envelope) error {
	return &ServerError{Message: env.Message}
}
