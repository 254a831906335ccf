package chatsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Engine drives one user session: it owns the cached conversation states,
// the per-conversation history caches, the outbox, and room membership, and
// it is the only writer to all four. Every mutation is serialized by one
// mutex, and every state transition flows through the reducers, so the
// engine's job reduces to wiring requests, acks, and pushes to the right
// pure function.
type Engine struct {
	conn   Conn
	outbox *Outbox
	rooms  *RoomMembership
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	chats      map[string]ChatSnapshot
	histories  map[string]*History
	inFlight   map[string]bool
	unattended int

	typingMu       sync.Mutex
	typingHandlers []func(chatID string, typing bool)
}

// NewEngine builds an engine over a connection and an outbox store, and runs
// the restart sweep: entries still marked SENDING belong to a previous
// session whose outcome is unknowable, so they all move to FAILED before the
// first send of this session. A nil logger falls back to slog.Default.
func NewEngine(conn Conn, store Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		conn:      conn,
		outbox:    NewOutbox(store),
		logger:    logger,
		now:       time.Now,
		chats:     make(map[string]ChatSnapshot),
		histories: make(map[string]*History),
		inFlight:  make(map[string]bool),
	}
	e.rooms = NewRoomMembership(conn, e.logger)

	n, err := e.outbox.Sweep()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.logger.Info("marked stale outbox entries as failed", "count", n)
	}
	return e, nil
}

// Rooms exposes the membership tracker, mainly so the transport's connect
// hook can be wired to HandleConnect.
func (e *Engine) Rooms() *RoomMembership {
	return e.rooms
}

// OpenChat declares which conversation the user is viewing. Membership is
// requested in the background; sends stay rejected until the server confirms
// the join.
func (e *Engine) OpenChat(ctx context.Context, chatID string) {
	e.mu.Lock()
	e.historyFor(chatID)
	e.mu.Unlock()
	e.rooms.SetIntended(ctx, chatID)
}

// CloseChat leaves the current room and clears the intended conversation.
func (e *Engine) CloseChat(ctx context.Context) {
	e.rooms.Leave(ctx)
}

// SetSnapshot seeds or replaces the cached state of a conversation, typically
// from a REST fetch when a chat screen opens.
func (e *Engine) SetSnapshot(s ChatSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chats[s.ID] = s
}

// Snapshot returns the cached state of a conversation.
func (e *Engine) Snapshot(chatID string) (ChatSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.chats[chatID]
	return s, ok
}

// ApplyHistoryPage feeds one page of fetched history into the conversation's
// cache. Pages arrive newest-first, each one older than the last.
func (e *Engine) ApplyHistoryPage(chatID string, page []Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.historyFor(chatID).ApplyPage(page)
}

// ResetHistory drops the cached pages for a conversation, forcing the next
// fetch to start over.
func (e *Engine) ResetHistory(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.historyFor(chatID).Reset()
}

// Timeline returns the render-ready message sequence for a conversation:
// confirmed history merged with local outbox entries, newest-first, keyed so
// an entry keeps its identity across confirmation.
func (e *Engine) Timeline(chatID string) ([]Message, error) {
	local, err := e.outbox.Messages(chatID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	confirmed := e.historyFor(chatID).Confirmed()
	e.mu.Unlock()
	return Merge(confirmed, local), nil
}

// UnattendedCount returns the server's last reported count of conversations
// awaiting the user's attention.
func (e *Engine) UnattendedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unattended
}

// OnTyping registers a handler for the other party's typing signals.
func (e *Engine) OnTyping(h func(chatID string, typing bool)) {
	e.typingMu.Lock()
	defer e.typingMu.Unlock()
	e.typingHandlers = append(e.typingHandlers, h)
}

// Typing returns a tracker that debounces the user's own keystrokes into
// typing:start and typing:stop for the given conversation.
func (e *Engine) Typing(chatID string) *TypingTracker {
	return NewTypingTracker(e.conn, chatID, 0)
}

// Close releases the outbox store. The transport is owned by the caller.
func (e *Engine) Close() error {
	return e.outbox.store.Close()
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage persists the draft to the outbox and attempts delivery. The
// conversation's room membership must be confirmed first; a persisted entry
// outliving a failed attempt is the point, so the entry stays in the outbox
// as FAILED when the attempt does not succeed.
func (e *Engine) SendMessage(ctx context.Context, chatID string, d Draft) (Message, error) {
	if e.rooms.Confirmed() != chatID {
		return Message{}, ErrRoomNotReady
	}
	entry, err := e.outbox.Add(chatID, d)
	if err != nil {
		return Message{}, err
	}
	return e.attempt(ctx, entry)
}

// Resend retries a FAILED outbox entry. The entry flips back to SENDING
// before the attempt so observers see the same lifecycle as a fresh send.
func (e *Engine) Resend(ctx context.Context, clientID string) (Message, error) {
	entry, ok, err := e.outbox.Get(clientID)
	if err != nil {
		return Message{}, err
	}
	if !ok || entry.Status != StatusFailed {
		return Message{}, ErrNotAllowed
	}
	if !entry.NewChat && e.rooms.Confirmed() != entry.TargetID {
		return Message{}, ErrRoomNotReady
	}
	if err := e.outbox.UpdateStatus(clientID, StatusSending); err != nil {
		return Message{}, err
	}
	entry.Status = StatusSending
	if entry.NewChat {
		_, msg, err := e.attemptRequest(ctx, entry)
		return msg, err
	}
	return e.attempt(ctx, entry)
}

// DeleteDraft discards a failed outbox entry the user gave up on.
func (e *Engine) DeleteDraft(clientID string) error {
	return e.outbox.Delete(clientID)
}

// attempt performs one delivery of an outbox entry over message:send. At most
// one attempt per entry runs at a time.
func (e *Engine) attempt(ctx context.Context, entry StoredEntry) (Message, error) {
	if err := e.markInFlight(entry.ClientID); err != nil {
		return Message{}, err
	}
	defer e.clearInFlight(entry.ClientID)

	env, err := e.conn.Request(ctx, KindMessageSend, SendPayload{
		ChatID: entry.TargetID,
		Message: DraftWire{
			Content:     entry.Content,
			Attachments: entry.Attachments,
		},
	})
	if err != nil {
		e.failEntry(entry.ClientID, err)
		return Message{}, err
	}
	if !env.Success {
		err := serverFailure(env)
		e.failEntry(entry.ClientID, err)
		return Message{}, err
	}

	var res SendResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		e.failEntry(entry.ClientID, err)
		return Message{}, err
	}
	return e.confirm(entry, entry.TargetID, res.Message), nil
}

// attemptRequest performs one delivery of a start-new-chat entry over
// chat:request: on success the server hands back both the new conversation
// and its first message.
func (e *Engine) attemptRequest(ctx context.Context, entry StoredEntry) (ChatSnapshot, Message, error) {
	if err := e.markInFlight(entry.ClientID); err != nil {
		return ChatSnapshot{}, Message{}, err
	}
	defer e.clearInFlight(entry.ClientID)

	env, err := e.conn.Request(ctx, KindChatRequest, ChatRequestPayload{
		RecipientID: entry.TargetID,
		Content:     entry.Content,
		Attachments: entry.Attachments,
	})
	if err != nil {
		e.failEntry(entry.ClientID, err)
		return ChatSnapshot{}, Message{}, err
	}
	if !env.Success {
		err := serverFailure(env)
		e.failEntry(entry.ClientID, err)
		return ChatSnapshot{}, Message{}, err
	}

	var res RequestResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		e.failEntry(entry.ClientID, err)
		return ChatSnapshot{}, Message{}, err
	}

	e.mu.Lock()
	e.chats[res.Chat.ID] = res.Chat
	e.mu.Unlock()
	// History for a brand-new conversation is keyed by its real ID, which
	// only the ack knows.
	msg := e.confirm(entry, res.Chat.ID, res.Message)
	return res.Chat, msg, nil
}

// confirm promotes an outbox entry to its server-confirmed message under the
// given conversation: the confirmed message inherits the entry's client ID
// so its render key, and with it the rendered row, survives the promotion.
// The message is spliced into history before the entry is deleted so a merge
// running between the two steps never loses the row.
func (e *Engine) confirm(entry StoredEntry, chatID string, confirmed Message) Message {
	confirmed.ClientID = entry.ClientID
	if confirmed.Status == StatusSending || confirmed.Status == "" {
		confirmed.Status = StatusSent
	}
	e.mu.Lock()
	e.historyFor(chatID).ApplyReceive(confirmed)
	e.mu.Unlock()
	if err := e.outbox.Delete(entry.ClientID); err != nil {
		e.logger.Warn("failed to delete confirmed outbox entry",
			"clientId", entry.ClientID, "error", err)
	}
	return confirmed
}

func (e *Engine) failEntry(clientID string, cause error) {
	if err := e.outbox.UpdateStatus(clientID, StatusFailed); err != nil {
		e.logger.Warn("failed to mark outbox entry as failed",
			"clientId", clientID, "error", err)
	}
	e.logger.Debug("send attempt failed", "clientId", clientID, "error", cause)
}

func (e *Engine) markInFlight(clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[clientID] {
		return ErrSendInFlight
	}
	e.inFlight[clientID] = true
	return nil
}

func (e *Engine) clearInFlight(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, clientID)
}

// ============================================================================
// Conversation Lifecycle
// ============================================================================

// StartChat opens a conversation with a prospective recipient by sending a
// first message through chat:request. At most one unconfirmed request per
// recipient may exist; a second attempt while one is pending or failed is
// rejected rather than queued.
func (e *Engine) StartChat(ctx context.Context, recipientID string, d Draft) (ChatSnapshot, Message, error) {
	outstanding, err := e.outbox.HasOutstanding(recipientID)
	if err != nil {
		return ChatSnapshot{}, Message{}, err
	}
	if outstanding {
		return ChatSnapshot{}, Message{}, ErrOutstandingRequest
	}
	entry, err := e.outbox.AddRequest(recipientID, d)
	if err != nil {
		return ChatSnapshot{}, Message{}, err
	}
	return e.attemptRequest(ctx, entry)
}

// Accept accepts an incoming pending conversation.
func (e *Engine) Accept(ctx context.Context, chatID string) error {
	return e.action(ctx, chatID, KindChatAccept, func(s ChatSnapshot) error {
		if s.Status != ChatPending || s.InitiatedBy != PartyThem {
			return ErrNotAllowed
		}
		return nil
	})
}

// Decline declines an incoming pending conversation.
func (e *Engine) Decline(ctx context.Context, chatID string) error {
	return e.action(ctx, chatID, KindChatDecline, func(s ChatSnapshot) error {
		if s.Status != ChatPending || s.InitiatedBy != PartyThem {
			return ErrNotAllowed
		}
		return nil
	})
}

// End closes an active conversation. Either party may end.
func (e *Engine) End(ctx context.Context, chatID string) error {
	return e.action(ctx, chatID, KindChatEnd, func(s ChatSnapshot) error {
		if s.Status != ChatAccepted {
			return ErrNotAllowed
		}
		return nil
	})
}

// Extend revives an expired conversation the user initiated, consuming one
// of its remaining extensions.
func (e *Engine) Extend(ctx context.Context, chatID string) error {
	return e.action(ctx, chatID, KindChatExtend, func(s ChatSnapshot) error {
		if !s.CanExtend() {
			return ErrNotAllowed
		}
		return nil
	})
}

// Retry re-requests a closed conversation once its cooldown has elapsed. The
// retry action is chosen by how the conversation closed; an expired
// conversation with extensions left must be extended instead.
func (e *Engine) Retry(ctx context.Context, chatID string) error {
	e.mu.Lock()
	s := e.chats[chatID]
	e.mu.Unlock()

	var kind EventKind
	switch s.Status {
	case ChatDeclined:
		kind = KindChatRetryDeclined
	case ChatEnded:
		kind = KindChatRetryEnded
	case ChatExpired:
		if s.RemainingExtensions > 0 {
			return ErrNotAllowed
		}
		kind = KindChatRetryExpired
	default:
		return ErrNotAllowed
	}
	if !s.CanRetry(e.now()) {
		return ErrCooldown
	}

	return e.action(ctx, chatID, kind, func(ChatSnapshot) error { return nil })
}

// action runs one acknowledged chat-level request: require confirmed room
// membership, guard against the cached state, send, and on success fold the
// ack into the cache through the reducer. The guard re-runs implicitly inside
// Reduce against the state at ack time, so a push that landed mid-flight
// turns the ack into a no-op instead of a conflicting write.
func (e *Engine) action(ctx context.Context, chatID string, kind EventKind, guard func(ChatSnapshot) error) error {
	if e.rooms.Confirmed() != chatID {
		return ErrRoomNotReady
	}
	e.mu.Lock()
	s := e.chats[chatID]
	e.mu.Unlock()
	if err := guard(s); err != nil {
		return err
	}

	env, err := e.conn.Request(ctx, kind, ChatActionPayload{ChatID: chatID})
	if err != nil {
		return err
	}
	if !env.Success {
		return serverFailure(env)
	}

	ev := LifecycleEvent{Kind: kind}
	if len(env.Data) > 0 {
		var body struct {
			Chat      ChatSnapshot `json:"chat"`
			ExpiresAt time.Time    `json:"expiresAt"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			e.logger.Warn("undecodable ack data", "kind", kind.String(), "error", err)
		} else {
			ev.Chat = body.Chat
			ev.ExpiresAt = body.ExpiresAt
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := Reduce(e.chats[chatID], ev)
	if next.ID == "" {
		next.ID = chatID
	}
	e.chats[chatID] = next
	return nil
}

// MarkRead reports that the user has read a message. Read receipts are
// best-effort: a failed or timed-out ack is logged and dropped, and the
// local status is only advanced on an explicit success.
func (e *Engine) MarkRead(ctx context.Context, chatID, messageID string) {
	env, err := e.conn.Request(ctx, KindMessageRead, ReadPayload{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		e.logger.Debug("read receipt dropped", "messageId", messageID, "error", err)
		return
	}
	if !env.Success {
		e.logger.Debug("read receipt rejected", "messageId", messageID, "reason", env.Message)
		return
	}
	e.mu.Lock()
	e.historyFor(chatID).ApplyStatus(messageID, StatusRead)
	e.mu.Unlock()
}

// ============================================================================
// Push Handling
// ============================================================================

// HandleEvent folds one server push into the engine's state. It runs on the
// transport's read loop, so it must not block and must not issue requests.
func (e *Engine) HandleEvent(ev Event) {
	switch ev.Kind {
	case KindMessageReceive:
		var p MessagePush
		if !e.decode(ev, &p) {
			return
		}
		// Messages are only trusted once membership for their room is
		// confirmed; anything earlier may belong to the previous room.
		if e.rooms.Confirmed() != p.ChatID {
			e.logger.Debug("dropping message for unconfirmed room", "chatId", p.ChatID)
			return
		}
		e.mu.Lock()
		e.historyFor(p.ChatID).ApplyReceive(p.Message)
		e.mu.Unlock()

	case KindMessageDelivered:
		e.applyReceipt(ev, StatusDelivered)

	case KindMessageRead:
		e.applyReceipt(ev, StatusRead)

	case KindTypingStart:
		e.emitTyping(ev, true)

	case KindTypingStop:
		e.emitTyping(ev, false)

	case KindChatUnattendedCount:
		var p UnattendedPush
		if !e.decode(ev, &p) {
			return
		}
		e.mu.Lock()
		e.unattended = p.Count
		e.mu.Unlock()

	case KindChatRequestReceived:
		var p RequestPush
		if !e.decode(ev, &p) {
			return
		}
		e.mu.Lock()
		e.chats[p.Chat.ID] = Reduce(e.chats[p.Chat.ID], LifecycleEvent{Kind: ev.Kind, Chat: p.Chat})
		if p.Message != nil {
			e.historyFor(p.Chat.ID).ApplyReceive(*p.Message)
		}
		e.mu.Unlock()

	case KindChatAccepted, KindChatDeclined, KindChatDeclinedRetried,
		KindChatEnded, KindChatEndedRetried, KindChatExpired,
		KindChatExpiredRetried, KindChatExtended:
		var p ChatPush
		if !e.decode(ev, &p) {
			return
		}
		if p.Chat.ID == "" {
			e.logger.Debug("dropping lifecycle push without chat id", "kind", ev.Kind.String())
			return
		}
		e.mu.Lock()
		e.chats[p.Chat.ID] = Reduce(e.chats[p.Chat.ID], LifecycleEvent{Kind: ev.Kind, Chat: p.Chat})
		e.mu.Unlock()

	default:
		e.logger.Debug("unhandled push", "kind", ev.Kind.String())
	}
}

func (e *Engine) applyReceipt(ev Event, status DeliveryStatus) {
	var p ReceiptPush
	if !e.decode(ev, &p) {
		return
	}
	e.mu.Lock()
	known := e.historyFor(p.ChatID).ApplyStatus(p.MessageID, status)
	e.mu.Unlock()
	if !known {
		e.logger.Debug("receipt for unknown message", "messageId", p.MessageID)
	}
}

func (e *Engine) emitTyping(ev Event, typing bool) {
	var p TypingPayload
	if !e.decode(ev, &p) {
		return
	}
	e.typingMu.Lock()
	handlers := e.typingHandlers
	e.typingMu.Unlock()
	for _, h := range handlers {
		go h(p.ChatID, typing)
	}
}

func (e *Engine) decode(ev Event, dst any) bool {
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		e.logger.Warn("undecodable push payload", "kind", ev.Kind.String(), "error", err)
		return false
	}
	return true
}

// historyFor returns the conversation's history cache, creating it on first
// use. Callers must hold e.mu.
func (e *Engine) historyFor(chatID string) *History {
	h, ok := e.histories[chatID]
	if !ok {
		h = &History{}
		e.histories[chatID] = h
	}
	return h
}
