// Package history keeps an encrypted copy of a room's message log on the
// local machine. The whole log is sealed as one blob per room under a key
// only the user holds.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshchat/internal/crypto"
)

// current on-disk blob version
const blobVersion = 1

var (
	// ErrDecryptionFailed means the wrong key or a corrupted blob.
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrUnsupportedBlob  = errors.New("unsupported history format")
)

// Entry is one message in the log.
type Entry struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Kind      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Local     bool      `json:"local,omitempty"`
}

// Backend stores opaque blobs keyed by room id.
type Backend interface {
	Put(ctx context.Context, roomID string, blob []byte) error
	// Get reports false when nothing is stored for roomID.
	Get(ctx context.Context, roomID string) ([]byte, bool, error)
	Close() error
}

// blob is the sealed record handed to a Backend
type blob struct {
	V          int    `json:"v"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store encrypts logs before they reach the Backend.
type Store struct {
	backend Backend
}

// NewStore wraps backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Save replaces the stored log for roomID.
func (s *Store) Save(ctx context.Context, roomID string, log []Entry, key crypto.SymmetricKey) error {
	if log == nil {
		log = []Entry{}
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	sealed, err := crypto.EncryptWithAD(key, raw, []byte(roomID))
	if err != nil {
		return fmt.Errorf("failed to encrypt history: %w", err)
	}

	data, err := json.Marshal(blob{V: blobVersion, Nonce: sealed.Nonce, Ciphertext: sealed.Ciphertext})
	if err != nil {
		return fmt.Errorf("failed to encode history blob: %w", err)
	}

	if err := s.backend.Put(ctx, roomID, data); err != nil {
		return fmt.Errorf("failed to store history: %w", err)
	}
	return nil
}

// Load returns the stored log for roomID, or an empty log if there is none.
// A blob that does not authenticate under key fails with
// ErrDecryptionFailed.
func (s *Store) Load(ctx context.Context, roomID string, key crypto.SymmetricKey) ([]Entry, error) {
	data, found, err := s.backend.Get(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if !found {
		return []Entry{}, nil
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if b.V > blobVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedBlob, b.V)
	}

	raw, err := crypto.DecryptWithAD(key, b.Nonce, b.Ciphertext, []byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var log []Entry
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if log == nil {
		log = []Entry{}
	}
	return log, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// KeyFromPassphrase derives the history key for roomID from a passphrase.
// The salt is bound to the room so each room gets its own key.
func KeyFromPassphrase(passphrase, roomID string) crypto.SymmetricKey {
	sum := sha256.Sum256([]byte("meshchat-history:" + roomID))
	return crypto.KeyFromPassphrase(passphrase, sum[:16])
}
