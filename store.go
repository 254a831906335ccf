package chatsync

import (
	"sort"
	"sync"
)

// StoredEntry is one outbox record: a local-only message plus the
// conversation or prospective-recipient ID it belongs to. NewChat marks a
// start-new-chat draft, which goes out as chat:request against a recipient
// rather than message:send against an existing conversation.
type StoredEntry struct {
	Message
	TargetID string `json:"targetId"`
	NewChat  bool   `json:"newChat,omitempty"`
}

// Store is the durable backing of the outbox. Implementations must make each
// mutation atomic: a concurrent reader sees an entry either before or after a
// mutation, never partially written. All list results are newest-first by
// SentAt.
type Store interface {
	// Put inserts or replaces the entry keyed by its ClientID.
	Put(e StoredEntry) error
	// Get returns the entry for a client ID, and whether it exists.
	Get(clientID string) (StoredEntry, bool, error)
	// Delete removes the entry for a client ID. Unknown IDs are a no-op.
	Delete(clientID string) error
	// ListFor returns all entries for a target, newest-first.
	ListFor(targetID string) ([]StoredEntry, error)
	// SweepSending moves every SENDING entry to FAILED in one atomic
	// step and returns how many entries changed. Runs once per session
	// start: a SENDING status cannot be trusted after a restart because
	// the in-flight request that would have resolved it is gone.
	SweepSending() (int, error)
	// Close releases the store.
	Close() error
}

// MemoryStore is a goroutine-safe in-memory Store. It backs tests and
// sessions that do not need durability; production sessions use PebbleStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]StoredEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]StoredEntry)}
}

func (s *MemoryStore) Put(e StoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ClientID] = e
	return nil
}

func (s *MemoryStore) Get(clientID string) (StoredEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[clientID]
	return e, ok, nil
}

func (s *MemoryStore) Delete(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, clientID)
	return nil
}

func (s *MemoryStore) ListFor(targetID string) ([]StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredEntry
	for _, e := range s.entries {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out, nil
}

func (s *MemoryStore) SweepSending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, e := range s.entries {
		if e.Status == StatusSending {
			e.Status = StatusFailed
			s.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
