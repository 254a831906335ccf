package chatsync

import "time"

// LifecycleEvent is one observed fact about a conversation: either the
// acknowledged outcome of this client's own outbound action (the request
// kinds: KindChatAccept, KindChatEnd, ...), or a push from the server
// describing what the other side or the clock did (KindChatAccepted,
// KindChatEnded, ...).
//
// Chat carries the server's replacement state when the wire had one; for acks
// that return only a fragment (extend returns just expiresAt) the fragment
// fields are set instead.
type LifecycleEvent struct {
	Kind      EventKind
	Chat      ChatSnapshot
	ExpiresAt time.Time
}

// Reduce applies one lifecycle event to a cached snapshot and returns the
// replacement state. It is a pure function: for any (state, event) pair
// outside the legal transition table it returns the old state unchanged, so
// an action that raced with a push (a decline arriving after an accepted
// push already moved the state along) degrades to a no-op rather than
// corrupting the cache.
func Reduce(old ChatSnapshot, ev LifecycleEvent) ChatSnapshot {
	switch ev.Kind {

	case KindChatAccept, KindChatAccepted:
		// Outbound accept is only legal against their pending request;
		// the accepted push also covers the request I initiated.
		if old.Status != ChatPending {
			return old
		}
		if ev.Kind == KindChatAccept && old.InitiatedBy != PartyThem {
			return old
		}
		if !ev.Chat.Zero() {
			return withID(ev.Chat, old.ID)
		}
		return ChatSnapshot{
			ID:          old.ID,
			Status:      ChatAccepted,
			InitiatedBy: old.InitiatedBy,
			ExpiresAt:   ev.ExpiresAt,
		}

	case KindChatDecline:
		if old.Status != ChatPending || old.InitiatedBy != PartyThem {
			return old
		}
		return closedState(old, ev, ChatDeclined, ActorMe)

	case KindChatDeclined:
		// Their decline of my request.
		if old.Status != ChatPending || old.InitiatedBy != PartyMe {
			return old
		}
		return closedState(old, ev, ChatDeclined, ActorThem)

	case KindChatEnd:
		if old.Status != ChatAccepted {
			return old
		}
		return closedState(old, ev, ChatEnded, ActorMe)

	case KindChatEnded:
		if old.Status != ChatAccepted {
			return old
		}
		return closedState(old, ev, ChatEnded, ActorThem)

	case KindChatExpired:
		if old.Status != ChatAccepted {
			return old
		}
		next := closedState(old, ev, ChatExpired, ActorExpiration)
		if ev.Chat.Zero() {
			next.RemainingExtensions = old.RemainingExtensions
		}
		return next

	case KindChatExtend:
		if !old.CanExtend() {
			return old
		}
		// The server owns the extension budget; the next expiry push
		// carries the remaining count, so it is cleared here rather
		// than guessed at.
		return ChatSnapshot{
			ID:          old.ID,
			Status:      ChatAccepted,
			InitiatedBy: old.InitiatedBy,
			ExpiresAt:   ev.ExpiresAt,
		}

	case KindChatExtended:
		// Extension observed from the server side (e.g. processed on
		// another session). Legal from EXPIRED, and from ACCEPTED when
		// the server extends a still-running conversation.
		if old.Status != ChatExpired && old.Status != ChatAccepted {
			return old
		}
		if !ev.Chat.Zero() {
			return withID(ev.Chat, old.ID)
		}
		return ChatSnapshot{
			ID:          old.ID,
			Status:      ChatAccepted,
			InitiatedBy: old.InitiatedBy,
			ExpiresAt:   ev.ExpiresAt,
		}

	case KindChatRetryDeclined, KindChatRetryEnded, KindChatRetryExpired:
		if !old.Terminal() {
			return old
		}
		if !ev.Chat.Zero() {
			return withID(ev.Chat, old.ID)
		}
		return ChatSnapshot{ID: old.ID, Status: ChatPending, InitiatedBy: PartyMe}

	case KindChatDeclinedRetried, KindChatEndedRetried, KindChatExpiredRetried:
		// The other party re-opened a closed conversation.
		if !old.Terminal() && old.Status != ChatPending {
			return old
		}
		if !ev.Chat.Zero() {
			return withID(ev.Chat, old.ID)
		}
		return ChatSnapshot{ID: old.ID, Status: ChatPending, InitiatedBy: PartyThem}

	case KindChatRequest, KindChatRequestReceived:
		// A request only creates state; an existing conversation in any
		// live state wins over a stray request event.
		if !old.Zero() {
			return old
		}
		if !ev.Chat.Zero() {
			return ev.Chat
		}
		initiator := PartyMe
		if ev.Kind == KindChatRequestReceived {
			initiator = PartyThem
		}
		return ChatSnapshot{ID: old.ID, Status: ChatPending, InitiatedBy: initiator}
	}

	return old
}

func withID(s ChatSnapshot, fallback string) ChatSnapshot {
	if s.ID == "" {
		s.ID = fallback
	}
	return s
}

func closedState(old ChatSnapshot, ev LifecycleEvent, status ChatStatus, by Actor) ChatSnapshot {
	if !ev.Chat.Zero() {
		return withID(ev.Chat, old.ID)
	}
	return ChatSnapshot{
		ID:          old.ID,
		Status:      status,
		InitiatedBy: old.InitiatedBy,
		ClosedBy:    by,
	}
}
