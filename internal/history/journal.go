package history

import (
	"context"
	"sync"

	"meshchat/internal/crypto"
)

// Journal is a room's in-memory log that persists itself after every
// append.
type Journal struct {
	store  *Store
	roomID string
	key    crypto.SymmetricKey

	mu      sync.Mutex
	entries []Entry
}

// OpenJournal loads the existing log for roomID. When the stored blob does
// not decrypt the error is returned and no journal is created, so the
// stored history is never overwritten by a fresh one.
func OpenJournal(ctx context.Context, store *Store, roomID string, key crypto.SymmetricKey) (*Journal, error) {
	entries, err := store.Load(ctx, roomID, key)
	if err != nil {
		return nil, err
	}
	return &Journal{store: store, roomID: roomID, key: key, entries: entries}, nil
}

// Entries returns a copy of the log.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

// Append adds e and saves the whole log.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, e)
	return j.store.Save(ctx, j.roomID, j.entries, j.key)
}
