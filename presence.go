package chatsync

import (
	"context"
	"sync"
	"time"
)

// defaultTypingIdle is how long after the last keystroke the stop signal
// fires on its own.
const defaultTypingIdle = 3 * time.Second

// TypingTracker debounces typing signals for one conversation: the first
// keystroke emits typing:start, further keystrokes only push the idle timer
// out, and typing:stop fires when the user goes quiet or sends the message.
// Both signals are fire-and-forget.
type TypingTracker struct {
	nt     Notifier
	chatID string
	idle   time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewTypingTracker creates a tracker for one conversation. idle <= 0 uses
// the default.
func NewTypingTracker(nt Notifier, chatID string, idle time.Duration) *TypingTracker {
	if idle <= 0 {
		idle = defaultTypingIdle
	}
	return &TypingTracker{nt: nt, chatID: chatID, idle: idle}
}

// Touch records a keystroke.
func (t *TypingTracker) Touch(ctx context.Context) {
	t.mu.Lock()
	wasActive := t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.Stop(context.Background()) })
	t.mu.Unlock()

	if !wasActive {
		_ = t.nt.Notify(ctx, KindTypingStart, TypingPayload{ChatID: t.chatID})
	}
}

// Stop emits the stop signal if typing was active. Called on send, on blur,
// or by the idle timer.
func (t *TypingTracker) Stop(ctx context.Context) {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasActive {
		_ = t.nt.Notify(ctx, KindTypingStop, TypingPayload{ChatID: t.chatID})
	}
}
