package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = "Mesh_4f9d2cA7Bq1WmZr8TxkLpN3sHe6Ju5Vy"

func sampleLog() []Entry {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Entry{
		{ID: "1", From: testRoom, Sender: "alice", Text: "hi", Kind: "text", Timestamp: ts},
		{ID: "2", From: testRoom + "-a1b2c3d4", Sender: "bob", Text: "https://example.org", Kind: "link", Timestamp: ts.Add(time.Second), Local: true},
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	file, err := NewFileBackend(filepath.Join(t.TempDir(), "hist"))
	require.NoError(t, err)
	db, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	return map[string]Backend{"file": file, "sqlite": db}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	key := KeyFromPassphrase("correct horse", testRoom)

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b)
			defer s.Close()

			require.NoError(t, s.Save(ctx, testRoom, sampleLog(), key))
			got, err := s.Load(ctx, testRoom, key)
			require.NoError(t, err)
			assert.Equal(t, sampleLog(), got)

			// overwrite
			require.NoError(t, s.Save(ctx, testRoom, sampleLog()[:1], key))
			got, err = s.Load(ctx, testRoom, key)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestLoadMissingIsEmpty(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b)
			defer s.Close()

			got, err := s.Load(context.Background(), testRoom, KeyFromPassphrase("x", testRoom))
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)
		})
	}
}

func TestWrongKeyFails(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(b)
			defer s.Close()

			require.NoError(t, s.Save(ctx, testRoom, sampleLog(), KeyFromPassphrase("right", testRoom)))
			_, err := s.Load(ctx, testRoom, KeyFromPassphrase("wrong", testRoom))
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestBlobBoundToRoom(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	s := NewStore(b)

	key := KeyFromPassphrase("pw", testRoom)
	require.NoError(t, s.Save(ctx, testRoom, sampleLog(), key))

	// move the blob under another room's name
	other := testRoom[:len(testRoom)-1] + "Z"
	data, err := os.ReadFile(b.path(testRoom))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.path(other), data, 0o600))

	_, err = s.Load(ctx, other, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestFileBackendPermissions(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, NewStore(b).Save(context.Background(), testRoom, nil, KeyFromPassphrase("pw", testRoom)))

	info, err := os.Stat(b.path(testRoom))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, ".hist", filepath.Ext(b.path(testRoom)))
}

func TestCorruptBlob(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.path(testRoom), []byte("{garbage"), 0o600))

	_, err = NewStore(b).Load(context.Background(), testRoom, KeyFromPassphrase("pw", testRoom))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewerVersionRejected(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.path(testRoom), []byte(`{"v":9,"nonce":"","ciphertext":""}`), 0o600))

	_, err = NewStore(b).Load(context.Background(), testRoom, KeyFromPassphrase("pw", testRoom))
	assert.ErrorIs(t, err, ErrUnsupportedBlob)
}

func TestKeyFromPassphrasePerRoom(t *testing.T) {
	a := KeyFromPassphrase("pw", testRoom)
	assert.Equal(t, a, KeyFromPassphrase("pw", testRoom))
	assert.NotEqual(t, a, KeyFromPassphrase("pw", testRoom+"x"))
	assert.NotEqual(t, a, KeyFromPassphrase("pw2", testRoom))
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	s := NewStore(b)
	key := KeyFromPassphrase("pw", testRoom)

	j, err := OpenJournal(ctx, s, testRoom, key)
	require.NoError(t, err)
	assert.Empty(t, j.Entries())

	for _, e := range sampleLog() {
		require.NoError(t, j.Append(ctx, e))
	}

	reopened, err := OpenJournal(ctx, s, testRoom, key)
	require.NoError(t, err)
	assert.Equal(t, sampleLog(), reopened.Entries())

	_, err = OpenJournal(ctx, s, testRoom, KeyFromPassphrase("nope", testRoom))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
