package chatsync

import (
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Party identifies which side of the conversation an item belongs to.
type Party string

const (
	PartyMe   Party = "ME"
	PartyThem Party = "THEM"
)

// Actor identifies who closed a conversation. It extends Party with the
// expiration pseudo-actor used when a conversation times out on its own.
type Actor string

const (
	ActorMe         Actor = "ME"
	ActorThem       Actor = "THEM"
	ActorExpiration Actor = "EXPIRATION"
)

// DeliveryStatus is the per-message status. SENDING and FAILED belong to
// local-only messages; SENT, DELIVERED and READ to server-confirmed ones.
// A THEM-originated message is never SENT: the lowest status the server
// reports for an incoming message is DELIVERED.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "SENDING"
	StatusFailed    DeliveryStatus = "FAILED"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
)

// Attachment describes one file attached to a message. URL points at the CDN
// object; the upload itself happens outside this engine.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Category string `json:"category"` // MIME top-level type: "image", "video", ...
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// CategoryForMime derives the attachment category from a full MIME type.
func CategoryForMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i > 0 {
		return mimeType[:i]
	}
	return "application"
}

// ============================================================================
// Messages
// ============================================================================

// Message is one chat message, local or confirmed. A confirmed message has a
// server-assigned ID; a local-only message has only a ClientID. A message
// that was composed locally and later confirmed carries both, which is what
// keeps its render identity stable across the promotion.
type Message struct {
	ID          string         `json:"id,omitempty"`       // server-assigned
	ClientID    string         `json:"clientId,omitempty"` // client-generated, local origin
	Sender      Party          `json:"sender"`
	Status      DeliveryStatus `json:"status"`
	Content     string         `json:"content,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	SentAt      time.Time      `json:"sentAt"`
}

// Confirmed reports whether the server has assigned this message an ID.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// RenderKey is the stable list-rendering identity of the message. For a
// message that originated locally it is the client ID forever, even after the
// server confirms it; for everything else it is the server ID. Two messages
// with equal render keys are the same message at different stages.
func (m Message) RenderKey() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

// ErrEmptyDraft is returned when a draft has neither content nor attachments.
var ErrEmptyDraft = errors.New("chatsync: draft needs content or attachments")

// Draft is a message the user composed but has not handed to the outbox yet.
type Draft struct {
	Content     string
	Attachments []Attachment
}

// Validate enforces the content-or-attachments invariant.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return ErrEmptyDraft
	}
	return nil
}

// ============================================================================
// Conversation State
// ============================================================================

// ChatStatus is the lifecycle state of a conversation.
type ChatStatus string

const (
	ChatPending  ChatStatus = "PENDING"
	ChatAccepted ChatStatus = "ACCEPTED"
	ChatDeclined ChatStatus = "DECLINED"
	ChatEnded    ChatStatus = "ENDED"
	ChatExpired  ChatStatus = "EXPIRED"
)

// ChatSnapshot is the full lifecycle state of one conversation. Transitions
// replace the whole value; nothing outside the reducer patches fields.
//
// Field presence follows the state: ExpiresAt is set exactly when Status is
// ACCEPTED; ClosedBy and CanRetryAt appear only in DECLINED, ENDED and
// EXPIRED; RemainingExtensions matters in ACCEPTED and EXPIRED.
type ChatSnapshot struct {
	ID                  string     `json:"id"`
	Status              ChatStatus `json:"status"`
	InitiatedBy         Party      `json:"initiatedBy,omitempty"`
	ExpiresAt           time.Time  `json:"expiresAt,omitempty"`
	RemainingExtensions int        `json:"remainingExtensions,omitempty"`
	ClosedBy            Actor      `json:"closedBy,omitempty"`
	CanRetryAt          time.Time  `json:"canRetryAt,omitempty"`
}

// Zero reports whether the snapshot is absent (no conversation known yet).
func (s ChatSnapshot) Zero() bool {
	return s.Status == ""
}

// Terminal reports whether the conversation is in a closed state from which
// only a retry can revive it.
func (s ChatSnapshot) Terminal() bool {
	switch s.Status {
	case ChatDeclined, ChatEnded, ChatExpired:
		return true
	}
	return false
}

// CanRetry reports whether the retry action is currently permitted. This is a
// UX guard: the server enforces the cooldown authoritatively, and a premature
// retry that slips past this check comes back as an ordinary action failure.
func (s ChatSnapshot) CanRetry(now time.Time) bool {
	if !s.Terminal() {
		return false
	}
	if s.Status == ChatExpired && s.RemainingExtensions > 0 {
		// Extension budget left: the legal action is extend, not retry.
		return false
	}
	return s.CanRetryAt.IsZero() || !now.Before(s.CanRetryAt)
}

// CanExtend reports whether the extend action is currently permitted.
func (s ChatSnapshot) CanExtend() bool {
	return s.Status == ChatExpired && s.InitiatedBy == PartyMe && s.RemainingExtensions > 0
}

// RetryWait returns the remaining cooldown, rounded up to whole hours for
// display. Zero when the cooldown has passed or none is set.
func (s ChatSnapshot) RetryWait(now time.Time) time.Duration {
	if s.CanRetryAt.IsZero() || !now.Before(s.CanRetryAt) {
		return 0
	}
	rem := s.CanRetryAt.Sub(now)
	hours := (rem + time.Hour - 1) / time.Hour
	return hours * time.Hour
}
