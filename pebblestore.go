package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the durable outbox backing, an embedded Pebble database.
//
// Key schema:
//
//	entry:<clientID>                                 -> StoredEntry JSON (primary)
//	target:<len>:<targetID>:<~nano>:<clientID>       -> clientID        (ordering index)
//
// The index timestamp is the entry's SentAt in nanoseconds, bitwise
// inverted and zero-padded so a forward prefix scan yields newest-first
// order. The target segment is length-prefixed so a prefix scan for one
// target never bleeds into another whose ID merely extends it. Every
// mutation commits one pebble.Batch, so the primary record and its index
// move together and a crash never leaves one without the other.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the outbox database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("chatsync: open outbox db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func entryKey(clientID string) []byte {
	return []byte("entry:" + clientID)
}

// targetPrefix is the index-key prefix for one target. The length prefix
// keeps targets like "a" and "a:b" in disjoint key ranges.
func targetPrefix(targetID string) []byte {
	return []byte(fmt.Sprintf("target:%d:%s:", len(targetID), targetID))
}

func indexKey(e StoredEntry) []byte {
	// Inverting the nanosecond timestamp makes lexicographic order equal
	// to newest-first time order.
	inv := ^uint64(e.SentAt.UnixNano())
	return append(targetPrefix(e.TargetID), fmt.Sprintf("%020d:%s", inv, e.ClientID)...)
}

func (s *PebbleStore) Put(e StoredEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("chatsync: marshal outbox entry: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	// Replacing an entry whose SentAt moved would strand its old index
	// key; drop it first.
	if old, ok, err := s.Get(e.ClientID); err != nil {
		return err
	} else if ok && !old.SentAt.Equal(e.SentAt) {
		if err := b.Delete(indexKey(old), nil); err != nil {
			return err
		}
	}

	if err := b.Set(entryKey(e.ClientID), data, nil); err != nil {
		return err
	}
	if err := b.Set(indexKey(e), []byte(e.ClientID), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("chatsync: write outbox entry: %w", err)
	}
	return nil
}

func (s *PebbleStore) Get(clientID string) (StoredEntry, bool, error) {
	data, closer, err := s.db.Get(entryKey(clientID))
	if err == pebble.ErrNotFound {
		return StoredEntry{}, false, nil
	}
	if err != nil {
		return StoredEntry{}, false, fmt.Errorf("chatsync: read outbox entry: %w", err)
	}
	defer closer.Close()

	var e StoredEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return StoredEntry{}, false, fmt.Errorf("chatsync: decode outbox entry: %w", err)
	}
	return e, true, nil
}

func (s *PebbleStore) Delete(clientID string) error {
	e, ok, err := s.Get(clientID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(entryKey(clientID), nil); err != nil {
		return err
	}
	if err := b.Delete(indexKey(e), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("chatsync: delete outbox entry: %w", err)
	}
	return nil
}

func (s *PebbleStore) ListFor(targetID string) ([]StoredEntry, error) {
	prefix := targetPrefix(targetID)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("chatsync: iterate outbox: %w", err)
	}
	defer iter.Close()

	var out []StoredEntry
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		e, ok, err := s.Get(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, iter.Error()
}

func (s *PebbleStore) SweepSending() (int, error) {
	prefix := []byte("entry:")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("chatsync: iterate outbox: %w", err)
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()

	var n int
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var e StoredEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return 0, fmt.Errorf("chatsync: decode outbox entry: %w", err)
		}
		if e.Status != StatusSending {
			continue
		}
		e.Status = StatusFailed
		data, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		if err := b.Set(append([]byte(nil), iter.Key()...), data, nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("chatsync: sweep outbox: %w", err)
	}
	return n, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
