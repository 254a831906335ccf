package chatsync

import (
	"context"
	"log/slog"
	"sync"
)

// RoomMembership tracks which conversation room this session is in. The UI
// sets the intended room synchronously on navigation; the confirmed room is
// set only after the server acknowledges the join. Features that depend on
// membership (sending, accepting, the trusted live-event path) read only the
// confirmed id, so nothing acts during the join round-trip.
//
// Each join attempt is stamped with a generation taken while holding the
// lock. A room change or reconnect bumps the generation, so when a stale
// join's ack finally resolves its generation no longer matches and the
// result is discarded — the confirmed id can never revert to a previous
// room.
//
// The client never issues a leave for the previous room on navigation; the
// server cleans up the old membership when the same connection joins a new
// room (which is why chat:join carries the longer timeout).
type RoomMembership struct {
	rt     Requester
	logger *slog.Logger

	mu        sync.Mutex
	intended  string
	confirmed string
	gen       uint64
}

// NewRoomMembership creates the tracker. Joins are issued through rt.
func NewRoomMembership(rt Requester, logger *slog.Logger) *RoomMembership {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomMembership{rt: rt, logger: logger}
}

// SetIntended targets a conversation room. The confirmed id is cleared
// immediately and a join is issued in the background; an empty id clears the
// target without joining anything.
func (r *RoomMembership) SetIntended(ctx context.Context, chatID string) {
	r.mu.Lock()
	r.intended = chatID
	r.confirmed = ""
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	if chatID == "" {
		return
	}
	go r.join(ctx, chatID, gen)
}

// HandleConnect re-joins the intended room after a (re)connect. Wire it to
// the transport's OnConnect.
func (r *RoomMembership) HandleConnect(ctx context.Context) {
	r.mu.Lock()
	chatID := r.intended
	r.confirmed = ""
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	if chatID == "" {
		return
	}
	r.join(ctx, chatID, gen)
}

func (r *RoomMembership) join(ctx context.Context, chatID string, gen uint64) {
	env, err := r.rt.Request(ctx, KindChatJoin, JoinPayload{ChatID: chatID})

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		r.logger.Debug("discarding stale join result", "chat_id", chatID, "generation", gen)
		return
	}
	if err != nil {
		// Recoverable: the user cannot send or act in this room until a
		// later reconnect or navigation re-triggers the join.
		r.logger.Warn("room join failed", "chat_id", chatID, "error", err)
		return
	}
	if !env.Success {
		r.logger.Warn("room join rejected", "chat_id", chatID, "message", env.Message)
		return
	}
	r.confirmed = chatID
}

// Leave abandons the current room explicitly (closing the chat surface
// entirely, not switching rooms). Best effort; the target is cleared either
// way.
func (r *RoomMembership) Leave(ctx context.Context) {
	r.mu.Lock()
	chatID := r.intended
	r.intended = ""
	r.confirmed = ""
	r.gen++
	r.mu.Unlock()

	if chatID == "" {
		return
	}
	if env, err := r.rt.Request(ctx, KindChatLeave, JoinPayload{ChatID: chatID}); err != nil {
		r.logger.Debug("room leave failed", "chat_id", chatID, "error", err)
	} else if !env.Success {
		r.logger.Debug("room leave rejected", "chat_id", chatID, "message", env.Message)
	}
}

// Intended returns the room the UI currently wants to view.
func (r *RoomMembership) Intended() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intended
}

// Confirmed returns the room the server has acknowledged joining, or ""
// while no membership is confirmed.
func (r *RoomMembership) Confirmed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed
}
