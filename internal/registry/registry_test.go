package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/crypto"
	"meshchat/internal/transport"
)

type stubChannel struct {
	remote string
	sent   [][]byte
	fail   error
}

func (s *stubChannel) Remote() string { return s.remote }
func (s *stubChannel) Outbound() bool { return true }
func (s *stubChannel) Close() error   { return nil }
func (s *stubChannel) Send(data []byte) error {
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, data)
	return nil
}

var _ transport.Channel = (*stubChannel)(nil)

func TestRegistryOrderAndNotifications(t *testing.T) {
	var changes [][]string
	r := New("self", func(m []string) { changes = append(changes, m) })

	require.NoError(t, r.Upsert(NewConnection("b", &stubChannel{remote: "b"}, true)))
	require.NoError(t, r.Upsert(NewConnection("a", &stubChannel{remote: "a"}, true)))
	require.NoError(t, r.Upsert(NewConnection("c", &stubChannel{remote: "c"}, true)))

	assert.Equal(t, []string{"b", "a", "c"}, r.All())
	assert.Equal(t, []string{"self", "b", "a", "c"}, r.Members())
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, []string{"b", "c"}, r.All())

	require.Len(t, changes, 4)
	assert.Equal(t, []string{"self", "b"}, changes[0])
	assert.Equal(t, []string{"self", "b", "c"}, changes[3])
}

func TestRegistryRefusesSelf(t *testing.T) {
	r := New("self", nil)
	err := r.Upsert(NewConnection("self", &stubChannel{}, true))
	assert.ErrorIs(t, err, ErrSelf)
	assert.Zero(t, r.Len())
}

func TestUpsertReplaceKeepsPositionAndIdentity(t *testing.T) {
	r := New("self", nil)
	kp, _ := crypto.GenerateKeyPair()

	first := NewConnection("a", &stubChannel{remote: "a"}, true)
	first.AttachPublicKey(kp.Public())
	first.SetDisplayName("alice")
	require.NoError(t, r.Upsert(first))
	require.NoError(t, r.Upsert(NewConnection("b", &stubChannel{remote: "b"}, true)))

	replacement := NewConnection("a", &stubChannel{remote: "a"}, true)
	require.NoError(t, r.Upsert(replacement))

	assert.Equal(t, []string{"a", "b"}, r.All())
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	pub, ok := got.PublicKey()
	assert.True(t, ok)
	assert.Equal(t, kp.Public(), pub)
	assert.Equal(t, "alice", got.DisplayName())
}

func TestClearNotifiesOnce(t *testing.T) {
	var changes [][]string
	r := New("self", func(m []string) { changes = append(changes, m) })

	r.Clear()
	assert.Empty(t, changes)

	require.NoError(t, r.Upsert(NewConnection("a", &stubChannel{remote: "a"}, true)))
	require.NoError(t, r.Upsert(NewConnection("b", &stubChannel{remote: "b"}, true)))
	changes = nil

	r.Clear()
	assert.Zero(t, r.Len())
	_, ok := r.Get("a")
	assert.False(t, ok)
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"self"}, changes[0])
}

func TestRemoveChannelIgnoresStaleChannel(t *testing.T) {
	r := New("self", nil)
	stale := &stubChannel{remote: "a"}
	current := &stubChannel{remote: "a"}

	require.NoError(t, r.Upsert(NewConnection("a", current, true)))

	assert.False(t, r.RemoveChannel("a", stale))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.RemoveChannel("a", current))
	assert.Zero(t, r.Len())
}

func TestConnectionOutbox(t *testing.T) {
	ch := &stubChannel{remote: "a"}
	c := NewConnection("a", ch, false)

	require.NoError(t, c.Send([]byte("1")))
	require.NoError(t, c.Send([]byte("2")))
	assert.Empty(t, ch.sent)
	assert.Equal(t, 2, c.Pending())

	require.NoError(t, c.MarkOpen([]byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("1"), []byte("2")}, ch.sent)
	assert.True(t, c.IsOpen())

	require.NoError(t, c.Send([]byte("3")))
	assert.Len(t, ch.sent, 4)
	assert.Empty(t, c.TakeOutbox())
}

func TestTakeOutbox(t *testing.T) {
	c := NewConnection("a", &stubChannel{}, false)
	require.NoError(t, c.Send([]byte("1")))

	assert.Equal(t, [][]byte{[]byte("1")}, c.TakeOutbox())
	assert.Zero(t, c.Pending())
}

func TestConnectionOutboxFlushError(t *testing.T) {
	boom := errors.New("boom")
	c := NewConnection("a", &stubChannel{fail: boom}, false)
	require.NoError(t, c.Send([]byte("1")))

	assert.ErrorIs(t, c.MarkOpen(), boom)
}

func TestPublicKeyFirstWins(t *testing.T) {
	a, _ := crypto.GenerateKeyPair()
	b, _ := crypto.GenerateKeyPair()
	c := NewConnection("x", &stubChannel{}, true)

	_, ok := c.PublicKey()
	assert.False(t, ok)

	assert.True(t, c.AttachPublicKey(a.Public()))
	assert.True(t, c.AttachPublicKey(a.Public()))
	assert.False(t, c.AttachPublicKey(b.Public()))

	pub, _ := c.PublicKey()
	assert.Equal(t, a.Public(), pub)

	c.SetDisplayName("first")
	c.SetDisplayName("second")
	assert.Equal(t, "first", c.DisplayName())
}
