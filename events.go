package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind identifies a realtime event. The set is closed: every event the
// broker speaks is listed here, and the engine's dispatch switches over the
// kind rather than the wire string, so an unhandled kind is visible in review
// instead of silently falling through a string map.
type EventKind uint8

const (
	KindUnknown EventKind = iota

	// Client → server, acknowledged.
	KindChatJoin
	KindChatLeave
	KindChatAccept
	KindChatDecline
	KindChatEnd
	KindChatExtend
	KindChatRetryDeclined
	KindChatRetryEnded
	KindChatRetryExpired
	KindChatRequest
	KindMessageSend
	KindMessageRead

	// Fire-and-forget, both directions.
	KindTypingStart
	KindTypingStop

	// Server → client push.
	KindMessageReceive
	KindMessageDelivered
	KindChatAccepted
	KindChatDeclined
	KindChatDeclinedRetried
	KindChatEnded
	KindChatEndedRetried
	KindChatExpired
	KindChatExpiredRetried
	KindChatExtended
	KindChatRequestReceived
	KindChatUnattendedCount
)

var wireNames = map[EventKind]string{
	KindChatJoin:            "chat:join",
	KindChatLeave:           "chat:leave",
	KindChatAccept:          "chat:accept",
	KindChatDecline:         "chat:decline",
	KindChatEnd:             "chat:end",
	KindChatExtend:          "chat:extend",
	KindChatRetryDeclined:   "chat:retry-declined",
	KindChatRetryEnded:      "chat:retry-ended",
	KindChatRetryExpired:    "chat:retry-expired",
	KindChatRequest:         "chat:request",
	KindMessageSend:         "message:send",
	KindMessageRead:         "message:read",
	KindTypingStart:         "typing:start",
	KindTypingStop:          "typing:stop",
	KindMessageReceive:      "message:receive",
	KindMessageDelivered:    "message:delivered",
	KindChatAccepted:        "chat:accepted",
	KindChatDeclined:        "chat:declined",
	KindChatDeclinedRetried: "chat:declined-retried",
	KindChatEnded:           "chat:ended",
	KindChatEndedRetried:    "chat:ended-retried",
	KindChatExpired:         "chat:expired",
	KindChatExpiredRetried:  "chat:expired-retried",
	KindChatExtended:        "chat:extended",
	KindChatRequestReceived: "chat:request-received",
	KindChatUnattendedCount: "chat:unattended-count",
}

var kindsByWire = func() map[string]EventKind {
	m := make(map[string]EventKind, len(wireNames))
	for k, name := range wireNames {
		m[name] = k
	}
	return m
}()

// String returns the wire name of the kind, or "unknown".
func (k EventKind) String() string {
	if name, ok := wireNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindForWire maps a wire event name to its EventKind. Names the client does
// not know map to KindUnknown; the dispatch drops those rather than erroring,
// so a newer server can emit events an older client ignores.
func KindForWire(name string) EventKind {
	return kindsByWire[name]
}

// Event is a server push delivered to subscribers. Payload is the raw JSON of
// the event body; typed decoding happens at the dispatch site that knows the
// kind.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// ============================================================================
// Request / Push Payloads
// ============================================================================

// JoinPayload drives chat:join and chat:leave.
type JoinPayload struct {
	ChatID string `json:"chatId"`
}

// ChatActionPayload drives accept, decline, end, extend, and the three retry
// actions — every chat-level action addresses the conversation alone.
type ChatActionPayload struct {
	ChatID string `json:"chatId"`
}

// ChatRequestPayload opens a new conversation with a first message.
type ChatRequestPayload struct {
	RecipientID string       `json:"recipientId"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendPayload carries a composed message to an existing conversation.
type SendPayload struct {
	ChatID  string    `json:"chatId"`
	Message DraftWire `json:"message"`
}

// DraftWire is the wire shape of a draft inside message:send.
type DraftWire struct {
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ReadPayload drives message:read in both directions.
type ReadPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// TypingPayload drives the fire-and-forget typing signals.
type TypingPayload struct {
	ChatID string `json:"chatId"`
}

// MessagePush is the body of a message:receive push.
type MessagePush struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// ReceiptPush is the body of message:read and message:delivered pushes.
type ReceiptPush struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// ChatPush is the body of every chat:* lifecycle push. The server sends the
// replacement conversation state wholesale; the reducer decides whether the
// local cached state may adopt it.
type ChatPush struct {
	Chat ChatSnapshot `json:"chat"`
}

// RequestPush is the body of chat:request-received: the new pending
// conversation plus its opening message, when one was attached.
type RequestPush struct {
	Chat    ChatSnapshot `json:"chat"`
	Message *Message     `json:"message,omitempty"`
}

// UnattendedPush is the body of chat:unattended-count.
type UnattendedPush struct {
	Count int `json:"count"`
}

// ExtendResult is the ack data of chat:extend.
type ExtendResult struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendResult is the ack data of message:send.
type SendResult struct {
	Message Message `json:"message"`
}

// RequestResult is the ack data of chat:request.
type RequestResult struct {
	Message Message      `json:"message"`
	Chat    ChatSnapshot `json:"chat"`
}
