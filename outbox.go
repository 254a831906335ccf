package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// Outbox is the durable local queue of composed-but-unconfirmed messages. It
// is the single shared mutable resource between the composer and the feed,
// so every mutation goes through this narrow API and each maps to exactly
// one store transaction.
type Outbox struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewOutbox wraps a Store. The caller is expected to run Sweep once at
// session start before issuing any sends.
func NewOutbox(store Store) *Outbox {
	return &Outbox{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Add validates the draft, stamps it with a client ID and timestamp, and
// persists it as a SENDING entry for the given conversation.
func (o *Outbox) Add(targetID string, d Draft) (StoredEntry, error) {
	return o.add(targetID, d, false)
}

// AddRequest is Add for the start-new-chat flow: the target is a prospective
// recipient rather than an existing conversation, and a retry must go back
// out as chat:request.
func (o *Outbox) AddRequest(recipientID string, d Draft) (StoredEntry, error) {
	return o.add(recipientID, d, true)
}

func (o *Outbox) add(targetID string, d Draft, newChat bool) (StoredEntry, error) {
	if err := d.Validate(); err != nil {
		return StoredEntry{}, err
	}
	e := StoredEntry{
		Message: Message{
			ClientID:    o.newID(),
			Sender:      PartyMe,
			Status:      StatusSending,
			Content:     d.Content,
			Attachments: d.Attachments,
			SentAt:      o.now().UTC(),
		},
		TargetID: targetID,
		NewChat:  newChat,
	}
	if err := o.store.Put(e); err != nil {
		return StoredEntry{}, err
	}
	return e, nil
}

// UpdateStatus moves an entry between SENDING and FAILED. Unknown IDs are a
// no-op: the entry may have been deleted by a concurrent confirmation.
func (o *Outbox) UpdateStatus(clientID string, status DeliveryStatus) error {
	e, ok, err := o.store.Get(clientID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.Status = status
	return o.store.Put(e)
}

// Delete removes an entry, either because the server confirmed it or because
// the user discarded a failed draft.
func (o *Outbox) Delete(clientID string) error {
	return o.store.Delete(clientID)
}

// Get returns one entry by client ID.
func (o *Outbox) Get(clientID string) (StoredEntry, bool, error) {
	return o.store.Get(clientID)
}

// ListFor returns the entries for a conversation or recipient, newest-first.
func (o *Outbox) ListFor(targetID string) ([]StoredEntry, error) {
	return o.store.ListFor(targetID)
}

// Messages returns ListFor unwrapped to plain messages, for merging.
func (o *Outbox) Messages(targetID string) ([]Message, error) {
	entries, err := o.store.ListFor(targetID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out, nil
}

// HasOutstanding reports whether the target already has a SENDING or FAILED
// entry. The start-new-chat flow allows at most one pending entry per
// prospective recipient.
func (o *Outbox) HasOutstanding(targetID string) (bool, error) {
	entries, err := o.store.ListFor(targetID)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Sweep runs the session-start recovery: every entry still marked SENDING is
// moved to FAILED in one store transaction, so observers see a single state
// change rather than a flicker per entry.
func (o *Outbox) Sweep() (int, error) {
	return o.store.SweepSending()
}
