package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn scripts acknowledged requests and records everything sent.
type fakeConn struct {
	mu       sync.Mutex
	handler  func(kind EventKind, payload any) (Envelope, error)
	requests []EventKind
	notifies []EventKind
}

func (f *fakeConn) Request(ctx context.Context, kind EventKind, payload any) (Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, kind)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return Envelope{Success: true}, nil
	}
	return h(kind, payload)
}

func (f *fakeConn) Notify(ctx context.Context, kind EventKind, payload any) error {
	f.mu.Lock()
	f.notifies = append(f.notifies, kind)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) requested(kind EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.requests {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, conn *fakeConn) *Engine {
	t.Helper()
	e, err := NewEngine(conn, NewMemoryStore(), discardLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// joinRoom scripts the join ack and waits for confirmed membership.
func joinRoom(t *testing.T, e *Engine, chatID string) {
	t.Helper()
	e.OpenChat(context.Background(), chatID)
	waitFor(t, func() bool { return e.Rooms().Confirmed() == chatID })
}

func sendAck(msg Message) Envelope {
	data, _ := json.Marshal(SendResult{Message: msg})
	return Envelope{Success: true, Data: data}
}

func pushEvent(t *testing.T, kind EventKind, payload any) Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	return Event{Kind: kind, Payload: data}
}

func TestSendMessageRequiresRoom(t *testing.T) {
	conn := &fakeConn{}
	e := newTestEngine(t, conn)

	_, err := e.SendMessage(context.Background(), "chat-1", Draft{Content: "hi"})
	if !errors.Is(err, ErrRoomNotReady) {
		t.Fatalf("err = %v, want ErrRoomNotReady", err)
	}
	if msgs, _ := e.outbox.Messages("chat-1"); len(msgs) != 0 {
		t.Error("rejected send left an outbox entry")
	}
}

func TestSendMessageConfirms(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	serverMsg := Message{
		ID: "s1", Sender: PartyMe, Status: StatusSent,
		Content: "hi", SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	conn.handler = func(kind EventKind, payload any) (Envelope, error) {
		if kind == KindMessageSend {
			return sendAck(serverMsg), nil
		}
		return Envelope{Success: true}, nil
	}
	e := newTestEngine(t, conn)
	joinRoom(t, e, "chat-1")

	got, err := e.SendMessage(ctx, "chat-1", Draft{Content: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got.ID != "s1" || got.ClientID == "" {
		t.Fatalf("confirmed message = %+v, want server id plus original client id", got)
	}

	// The outbox entry is gone and the timeline holds exactly the confirmed
	// copy under the same render key.
	if msgs, _ := e.outbox.Messages("chat-1"); len(msgs) != 0 {
		t.Errorf("outbox still holds %d entries", len(msgs))
	}
	timeline, err := e.Timeline("chat-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(timeline) != 1 || timeline[0].RenderKey() != got.ClientID || !timeline[0].Confirmed() {
		t.Fatalf("timeline = %+v", timeline)
	}
}

func TestSendMessageFailureAndResend(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	failing := true
	serverMsg := Message{
		ID: "s1", Sender: PartyMe, Status: StatusSent,
		Content: "hi", SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	conn.handler = func(kind EventKind, payload any) (Envelope, error) {
		if kind == KindMessageSend && failing {
			return Envelope{}, ErrTimeout
		}
		if kind == KindMessageSend {
			return sendAck(serverMsg), nil
		}
		return Envelope{Success: true}, nil
	}
	e := newTestEngine(t, conn)
	joinRoom(t, e, "chat-1")

	_, err := e.SendMessage(ctx, "chat-1", Draft{Content: "hi"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// The draft survives the failure, marked FAILED and still rendered.
	timeline, _ := e.Timeline("chat-1")
	if len(timeline) != 1 || timeline[0].Status != StatusFailed {
		t.Fatalf("timeline after failure = %+v", timeline)
	}
	clientID := timeline[0].ClientID

	failing = false
	got, err := e.Resend(ctx, clientID)
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if got.ClientID != clientID {
		t.Fatalf("render key changed across resend: %q -> %q", clientID, got.ClientID)
	}
	timeline, _ = e.Timeline("chat-1")
	if len(timeline) != 1 || !timeline[0].Confirmed() {
		t.Fatalf("timeline after resend = %+v", timeline)
	}
}

func TestAttemptSingleFlight(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	conn := &fakeConn{}
	conn.handler = func(kind EventKind, payload any) (Envelope, error) {
		if kind != KindMessageSend {
			return Envelope{Success: true}, nil
		}
		close(entered)
		<-release
		return sendAck(Message{
			ID: "s1", Sender: PartyMe, Status: StatusSent,
			Content: "hi", SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}), nil
	}
	e := newTestEngine(t, conn)
	entry, err := e.outbox.Add("chat-1", Draft{Content: "hi"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.attempt(ctx, entry)
		done <- err
	}()
	<-entered

	// A second delivery of the same entry while the first is still waiting
	// on its ack must not reach the wire.
	if _, err := e.attempt(ctx, entry); !errors.Is(err, ErrSendInFlight) {
		t.Fatalf("err = %v, want ErrSendInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if n := conn.requested(KindMessageSend); n != 1 {
		t.Fatalf("issued %d message:send requests, want 1", n)
	}
	if entry, ok, _ := e.outbox.Get(entry.ClientID); ok {
		t.Fatalf("confirmed entry still in outbox: %+v", entry)
	}
}

func TestResendGuards(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	e := newTestEngine(t, conn)
	joinRoom(t, e, "chat-1")

	t.Run("unknown entry", func(t *testing.T) {
		if _, err := e.Resend(ctx, "nope"); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
	})

	t.Run("entry not failed", func(t *testing.T) {
		entry, err := e.outbox.Add("chat-1", Draft{Content: "still sending"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if _, err := e.Resend(ctx, entry.ClientID); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
	})
}

func TestDeleteDraft(t *testing.T) {
	conn := &fakeConn{}
	e := newTestEngine(t, conn)

	entry, err := e.outbox.Add("chat-1", Draft{Content: "abandoned"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.outbox.UpdateStatus(entry.ClientID, StatusFailed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := e.DeleteDraft(entry.ClientID); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	timeline, _ := e.Timeline("chat-1")
	if len(timeline) != 0 {
		t.Fatalf("timeline = %+v after discard", timeline)
	}
}

func TestStartChat(t *testing.T) {
	ctx := context.Background()
	newChat := ChatSnapshot{ID: "c9", Status: ChatPending, InitiatedBy: PartyMe}
	firstMsg := Message{
		ID: "s1", Sender: PartyMe, Status: StatusSent,
		Content: "hello", SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("success caches chat and message", func(t *testing.T) {
		conn := &fakeConn{}
		conn.handler = func(kind EventKind, payload any) (Envelope, error) {
			data, _ := json.Marshal(RequestResult{Message: firstMsg, Chat: newChat})
			return Envelope{Success: true, Data: data}, nil
		}
		e := newTestEngine(t, conn)

		chat, msg, err := e.StartChat(ctx, "user-9", Draft{Content: "hello"})
		if err != nil {
			t.Fatalf("StartChat: %v", err)
		}
		if chat.ID != "c9" || chat.Status != ChatPending {
			t.Fatalf("chat = %+v", chat)
		}
		if msg.ID != "s1" || msg.ClientID == "" {
			t.Fatalf("message = %+v", msg)
		}
		if s, ok := e.Snapshot("c9"); !ok || s.Status != ChatPending {
			t.Errorf("snapshot not cached: %+v %v", s, ok)
		}
		if outstanding, _ := e.outbox.HasOutstanding("user-9"); outstanding {
			t.Error("confirmed request still in the outbox")
		}
		timeline, _ := e.Timeline("c9")
		if len(timeline) != 1 || timeline[0].ID != "s1" {
			t.Fatalf("timeline = %+v", timeline)
		}
	})

	t.Run("failure keeps the entry and blocks a second request", func(t *testing.T) {
		conn := &fakeConn{}
		conn.handler = func(kind EventKind, payload any) (Envelope, error) {
			return Envelope{}, ErrTimeout
		}
		e := newTestEngine(t, conn)

		if _, _, err := e.StartChat(ctx, "user-9", Draft{Content: "hello"}); !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
		if _, _, err := e.StartChat(ctx, "user-9", Draft{Content: "again"}); !errors.Is(err, ErrOutstandingRequest) {
			t.Fatalf("err = %v, want ErrOutstandingRequest", err)
		}
		entries, _ := e.outbox.ListFor("user-9")
		if len(entries) != 1 || entries[0].Status != StatusFailed {
			t.Fatalf("outbox = %+v", entries)
		}
	})

	t.Run("failed request resends as a request", func(t *testing.T) {
		conn := &fakeConn{}
		failing := true
		conn.handler = func(kind EventKind, payload any) (Envelope, error) {
			if failing {
				return Envelope{}, ErrTimeout
			}
			if kind != KindChatRequest {
				t.Errorf("resend went out as %s, want chat:request", kind)
			}
			data, _ := json.Marshal(RequestResult{Message: firstMsg, Chat: newChat})
			return Envelope{Success: true, Data: data}, nil
		}
		e := newTestEngine(t, conn)

		_, _, err := e.StartChat(ctx, "user-9", Draft{Content: "hello"})
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v", err)
		}
		entries, _ := e.outbox.ListFor("user-9")
		failing = false
		if _, err := e.Resend(ctx, entries[0].ClientID); err != nil {
			t.Fatalf("Resend: %v", err)
		}
		if outstanding, _ := e.outbox.HasOutstanding("user-9"); outstanding {
			t.Error("confirmed request still outstanding")
		}
	})
}

func TestLifecycleActions(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	ackWithChat := func(chat ChatSnapshot) func(EventKind, any) (Envelope, error) {
		return func(kind EventKind, payload any) (Envelope, error) {
			data, _ := json.Marshal(ChatPush{Chat: chat})
			return Envelope{Success: true, Data: data}, nil
		}
	}

	t.Run("accept", func(t *testing.T) {
		conn := &fakeConn{}
		conn.handler = func(kind EventKind, payload any) (Envelope, error) {
			if kind != KindChatAccept {
				return Envelope{Success: true}, nil
			}
			return ackWithChat(ChatSnapshot{
				ID: "c1", Status: ChatAccepted, InitiatedBy: PartyThem, ExpiresAt: expires,
			})(kind, payload)
		}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatPending, InitiatedBy: PartyThem})
		joinRoom(t, e, "c1")

		if err := e.Accept(ctx, "c1"); err != nil {
			t.Fatalf("Accept: %v", err)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatAccepted || !s.ExpiresAt.Equal(expires) {
			t.Fatalf("snapshot = %+v", s)
		}
	})

	t.Run("accept of my own request is rejected locally", func(t *testing.T) {
		conn := &fakeConn{}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatPending, InitiatedBy: PartyMe})
		joinRoom(t, e, "c1")

		if err := e.Accept(ctx, "c1"); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
		if n := conn.requested(KindChatAccept); n != 0 {
			t.Errorf("rejected accept still issued %d requests", n)
		}
	})

	t.Run("decline", func(t *testing.T) {
		conn := &fakeConn{}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatPending, InitiatedBy: PartyThem})
		joinRoom(t, e, "c1")

		if err := e.Decline(ctx, "c1"); err != nil {
			t.Fatalf("Decline: %v", err)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatDeclined || s.ClosedBy != ActorMe {
			t.Fatalf("snapshot = %+v", s)
		}
	})

	t.Run("end", func(t *testing.T) {
		conn := &fakeConn{}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatAccepted, InitiatedBy: PartyMe, ExpiresAt: expires})
		joinRoom(t, e, "c1")

		if err := e.End(ctx, "c1"); err != nil {
			t.Fatalf("End: %v", err)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatEnded || s.ClosedBy != ActorMe {
			t.Fatalf("snapshot = %+v", s)
		}
	})

	t.Run("server rejection surfaces the message", func(t *testing.T) {
		conn := &fakeConn{handler: func(kind EventKind, payload any) (Envelope, error) {
			if kind == KindChatJoin {
				return Envelope{Success: true}, nil
			}
			return Envelope{Success: false, Message: "chat already closed"}, nil
		}}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatAccepted, InitiatedBy: PartyMe, ExpiresAt: expires})
		joinRoom(t, e, "c1")

		err := e.End(ctx, "c1")
		var serr *ServerError
		if !errors.As(err, &serr) {
			t.Fatalf("err = %v, want *ServerError", err)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatAccepted {
			t.Errorf("rejected action changed local state: %+v", s)
		}
	})

	t.Run("extend", func(t *testing.T) {
		conn := &fakeConn{handler: func(kind EventKind, payload any) (Envelope, error) {
			data, _ := json.Marshal(ExtendResult{ExpiresAt: expires})
			return Envelope{Success: true, Data: data}, nil
		}}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{
			ID: "c1", Status: ChatExpired, InitiatedBy: PartyMe,
			ClosedBy: ActorExpiration, RemainingExtensions: 1,
		})
		joinRoom(t, e, "c1")

		if err := e.Extend(ctx, "c1"); err != nil {
			t.Fatalf("Extend: %v", err)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatAccepted || !s.ExpiresAt.Equal(expires) {
			t.Fatalf("snapshot = %+v", s)
		}
	})

	t.Run("extend without budget", func(t *testing.T) {
		conn := &fakeConn{}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatExpired, InitiatedBy: PartyMe})
		joinRoom(t, e, "c1")

		if err := e.Extend(ctx, "c1"); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
	})

	t.Run("actions require confirmed membership", func(t *testing.T) {
		conn := &fakeConn{}
		e := newTestEngine(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatPending, InitiatedBy: PartyThem})

		if err := e.Accept(ctx, "c1"); !errors.Is(err, ErrRoomNotReady) {
			t.Fatalf("err = %v, want ErrRoomNotReady", err)
		}
		if n := conn.requested(KindChatAccept); n != 0 {
			t.Errorf("accept without a room still issued %d requests", n)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatPending {
			t.Errorf("rejected accept changed local state: %+v", s)
		}
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	newEngineAt := func(t *testing.T, conn *fakeConn) *Engine {
		e := newTestEngine(t, conn)
		e.now = func() time.Time { return now }
		return e
	}

	t.Run("declined retry after cooldown", func(t *testing.T) {
		conn := &fakeConn{}
		e := newEngineAt(t, conn)
		e.SetSnapshot(ChatSnapshot{
			ID: "c1", Status: ChatDeclined, InitiatedBy: PartyMe,
			ClosedBy: ActorThem, CanRetryAt: now.Add(-time.Hour),
		})
		joinRoom(t, e, "c1")

		if err := e.Retry(ctx, "c1"); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if n := conn.requested(KindChatRetryDeclined); n != 1 {
			t.Fatalf("issued %d chat:retry-declined requests", n)
		}
		s, _ := e.Snapshot("c1")
		if s.Status != ChatPending || s.InitiatedBy != PartyMe {
			t.Fatalf("snapshot = %+v", s)
		}
	})

	t.Run("cooldown still running", func(t *testing.T) {
		conn := &fakeConn{}
		e := newEngineAt(t, conn)
		e.SetSnapshot(ChatSnapshot{
			ID: "c1", Status: ChatEnded, InitiatedBy: PartyMe,
			ClosedBy: ActorMe, CanRetryAt: now.Add(time.Hour),
		})

		if err := e.Retry(ctx, "c1"); !errors.Is(err, ErrCooldown) {
			t.Fatalf("err = %v, want ErrCooldown", err)
		}
		if len(conn.requests) != 0 {
			t.Error("cooled-down retry went to the server")
		}
	})

	t.Run("expired with budget must extend", func(t *testing.T) {
		conn := &fakeConn{}
		e := newEngineAt(t, conn)
		e.SetSnapshot(ChatSnapshot{
			ID: "c1", Status: ChatExpired, InitiatedBy: PartyMe, RemainingExtensions: 2,
		})

		if err := e.Retry(ctx, "c1"); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
	})

	t.Run("active chat cannot retry", func(t *testing.T) {
		conn := &fakeConn{}
		e := newEngineAt(t, conn)
		e.SetSnapshot(ChatSnapshot{ID: "c1", Status: ChatAccepted, InitiatedBy: PartyMe})

		if err := e.Retry(ctx, "c1"); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("err = %v, want ErrNotAllowed", err)
		}
	})
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("success advances status", func(t *testing.T) {
		conn := &fakeConn{}
		e := newTestEngine(t, conn)
		e.ApplyHistoryPage("c1", []Message{{ID: "s1", Sender: PartyThem, Status: StatusDelivered, SentAt: time.Now()}})

		e.MarkRead(ctx, "c1", "s1")
		timeline, _ := e.Timeline("c1")
		if timeline[0].Status != StatusRead {
			t.Fatalf("status = %s, want READ", timeline[0].Status)
		}
	})

	t.Run("failure is dropped", func(t *testing.T) {
		conn := &fakeConn{handler: func(kind EventKind, payload any) (Envelope, error) {
			return Envelope{Success: false, Message: "not yours to read"}, nil
		}}
		e := newTestEngine(t, conn)
		e.ApplyHistoryPage("c1", []Message{{ID: "s1", Sender: PartyThem, Status: StatusDelivered, SentAt: time.Now()}})

		e.MarkRead(ctx, "c1", "s1")
		timeline, _ := e.Timeline("c1")
		if timeline[0].Status != StatusDelivered {
			t.Fatalf("status = %s, want DELIVERED untouched", timeline[0].Status)
		}
	})
}

func TestHandleEventMessages(t *testing.T) {
	conn := &fakeConn{}
	e := newTestEngine(t, conn)
	joinRoom(t, e, "c1")
	incoming := Message{
		ID: "s1", Sender: PartyThem, Status: StatusDelivered,
		Content: "hey", SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("confirmed room accepts pushes", func(t *testing.T) {
		e.HandleEvent(pushEvent(t, KindMessageReceive, MessagePush{ChatID: "c1", Message: incoming}))
		timeline, _ := e.Timeline("c1")
		if len(timeline) != 1 || timeline[0].ID != "s1" {
			t.Fatalf("timeline = %+v", timeline)
		}
	})

	t.Run("other rooms are dropped", func(t *testing.T) {
		e.HandleEvent(pushEvent(t, KindMessageReceive, MessagePush{ChatID: "c2", Message: incoming}))
		timeline, _ := e.Timeline("c2")
		if len(timeline) != 0 {
			t.Fatalf("unconfirmed room accepted a push: %+v", timeline)
		}
	})

	t.Run("receipts update status", func(t *testing.T) {
		e.HandleEvent(pushEvent(t, KindMessageRead, ReceiptPush{ChatID: "c1", MessageID: "s1"}))
		timeline, _ := e.Timeline("c1")
		if timeline[0].Status != StatusRead {
			t.Fatalf("status = %s, want READ", timeline[0].Status)
		}
	})

	t.Run("duplicate push does not duplicate the row", func(t *testing.T) {
		e.HandleEvent(pushEvent(t, KindMessageReceive, MessagePush{ChatID: "c1", Message: incoming}))
		timeline, _ := e.Timeline("c1")
		if len(timeline) != 1 {
			t.Fatalf("timeline grew to %d rows", len(timeline))
		}
	})
}

func TestHandleEventLifecycle(t *testing.T) {
	conn := &fakeConn{}
	e := newTestEngine(t, conn)
	expires := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	t.Run("request received creates the pending chat", func(t *testing.T) {
		first := Message{ID: "s1", Sender: PartyThem, Status: StatusDelivered, Content: "hi", SentAt: time.Now()}
		e.HandleEvent(pushEvent(t, KindChatRequestReceived, RequestPush{
			Chat:    ChatSnapshot{ID: "c5", Status: ChatPending, InitiatedBy: PartyThem},
			Message: &first,
		}))
		s, ok := e.Snapshot("c5")
		if !ok || s.Status != ChatPending || s.InitiatedBy != PartyThem {
			t.Fatalf("snapshot = %+v %v", s, ok)
		}
		timeline, _ := e.Timeline("c5")
		if len(timeline) != 1 {
			t.Fatalf("opening message not cached: %+v", timeline)
		}
	})

	t.Run("accepted push moves my request along", func(t *testing.T) {
		e.SetSnapshot(ChatSnapshot{ID: "c6", Status: ChatPending, InitiatedBy: PartyMe})
		e.HandleEvent(pushEvent(t, KindChatAccepted, ChatPush{
			Chat: ChatSnapshot{ID: "c6", Status: ChatAccepted, InitiatedBy: PartyMe, ExpiresAt: expires, RemainingExtensions: 2},
		}))
		s, _ := e.Snapshot("c6")
		if s.Status != ChatAccepted || s.RemainingExtensions != 2 {
			t.Fatalf("snapshot = %+v", s)
		}
	})

	t.Run("stale push is a no-op", func(t *testing.T) {
		e.SetSnapshot(ChatSnapshot{ID: "c7", Status: ChatEnded, InitiatedBy: PartyMe, ClosedBy: ActorMe})
		e.HandleEvent(pushEvent(t, KindChatAccepted, ChatPush{
			Chat: ChatSnapshot{ID: "c7", Status: ChatAccepted, InitiatedBy: PartyMe, ExpiresAt: expires},
		}))
		s, _ := e.Snapshot("c7")
		if s.Status != ChatEnded {
			t.Fatalf("stale push changed state: %+v", s)
		}
	})

	t.Run("unattended count", func(t *testing.T) {
		e.HandleEvent(pushEvent(t, KindChatUnattendedCount, UnattendedPush{Count: 4}))
		if got := e.UnattendedCount(); got != 4 {
			t.Fatalf("UnattendedCount = %d, want 4", got)
		}
	})
}

func TestHandleEventTyping(t *testing.T) {
	conn := &fakeConn{}
	e := newTestEngine(t, conn)

	got := make(chan bool, 2)
	e.OnTyping(func(chatID string, typing bool) {
		if chatID == "c1" {
			got <- typing
		}
	})

	e.HandleEvent(pushEvent(t, KindTypingStart, TypingPayload{ChatID: "c1"}))
	if v := <-got; !v {
		t.Fatal("first signal = stop, want start")
	}
	e.HandleEvent(pushEvent(t, KindTypingStop, TypingPayload{ChatID: "c1"}))
	if v := <-got; v {
		t.Fatal("second signal = start, want stop")
	}
}

func TestEngineSweepsOnStart(t *testing.T) {
	store := NewMemoryStore()
	stale := StoredEntry{
		Message: Message{
			ClientID: "l1", Sender: PartyMe, Status: StatusSending,
			Content: "from the previous session", SentAt: time.Now().UTC(),
		},
		TargetID: "chat-1",
	}
	if err := store.Put(stale); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, err := NewEngine(&fakeConn{}, store, discardLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	got, _, _ := e.outbox.Get("l1")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED after the restart sweep", got.Status)
	}
}
