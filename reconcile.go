package chatsync

// History is the cache of server-confirmed messages for one conversation,
// arranged in pages the way the REST history endpoint returned them:
// pages[0] is the newest page, and within a page messages run newest-first.
//
// Live pushes mutate the cache only through ApplyReceive and ApplyStatus, and
// pagination only through ApplyPage, so the merged timeline stays a pure
// function of (cache, outbox) and re-merging after any mutation is safe.
//
// History is not goroutine-safe; the engine serializes access.
type History struct {
	pages [][]Message
}

// ApplyPage appends one older page fetched from the REST history endpoint.
func (h *History) ApplyPage(page []Message) {
	h.pages = append(h.pages, page)
}

// Reset drops all cached pages, e.g. when the viewed conversation changes.
func (h *History) Reset() {
	h.pages = nil
}

// ApplyReceive folds a live-pushed (or ack-returned) confirmed message into
// the cache. It lands at the front of the first page so the merge needs no
// separate live structure. When a message with the same server ID is already
// cached — the ack splice ran before the echo push, or a page re-fetch
// overlapped a push — the cached copy is replaced in place instead.
func (h *History) ApplyReceive(m Message) {
	for pi, page := range h.pages {
		for mi, cached := range page {
			if cached.ID == m.ID {
				h.pages[pi][mi] = m
				return
			}
		}
	}
	if len(h.pages) == 0 {
		h.pages = [][]Message{nil}
	}
	h.pages[0] = append([]Message{m}, h.pages[0]...)
}

// ApplyStatus updates one message's delivery status in place, wherever it is
// cached. Unknown IDs are a silent no-op: the message may simply not be
// paginated into view yet.
func (h *History) ApplyStatus(messageID string, status DeliveryStatus) bool {
	for pi, page := range h.pages {
		for mi, cached := range page {
			if cached.ID == messageID {
				h.pages[pi][mi].Status = status
				return true
			}
		}
	}
	return false
}

// Confirmed flattens the cached pages into one newest-first sequence.
func (h *History) Confirmed() []Message {
	var n int
	for _, page := range h.pages {
		n += len(page)
	}
	out := make([]Message, 0, n)
	for _, page := range h.pages {
		out = append(out, page...)
	}
	return out
}

// Len returns the number of cached confirmed messages.
func (h *History) Len() int {
	var n int
	for _, page := range h.pages {
		n += len(page)
	}
	return n
}

// Merge folds the outbox's local messages into the confirmed sequence and
// returns one newest-first, duplicate-free timeline. Both inputs must be
// sorted newest-first. The inputs are not mutated and the function is
// idempotent: the same inputs always produce the same output.
//
// A confirmed message whose render key matches a remaining local entry is
// that entry's server confirmation — the local copy is dropped so the message
// never renders twice. Otherwise locals at least as new as the next confirmed
// message render first: a local entry still being reconciled was composed
// after anything the server has already sequenced at the same instant.
func Merge(confirmed, local []Message) []Message {
	rest := append([]Message(nil), local...)
	out := make([]Message, 0, len(confirmed)+len(rest))

	for _, c := range confirmed {
		for i, l := range rest {
			if l.RenderKey() == c.RenderKey() {
				rest = append(rest[:i], rest[i+1:]...)
				break
			}
		}
		for len(rest) > 0 && !rest[0].SentAt.Before(c.SentAt) {
			out = append(out, rest[0])
			rest = rest[1:]
		}
		out = append(out, c)
	}

	return append(out, rest...)
}
