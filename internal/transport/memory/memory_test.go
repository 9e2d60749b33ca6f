package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/transport"
)

func next(t *testing.T, a *Adapter) transport.Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func registered(t *testing.T, n *Network, id string) *Adapter {
	t.Helper()
	a := n.NewAdapter()
	require.NoError(t, a.Register(context.Background(), id))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRegisterRejectsTakenIdentity(t *testing.T) {
	n := NewNetwork()
	registered(t, n, "room")

	b := n.NewAdapter()
	defer b.Close()
	assert.ErrorIs(t, b.Register(context.Background(), "room"), transport.ErrIdentityTaken)
}

func TestDialDeliversInOrder(t *testing.T) {
	n := NewNetwork()
	a := registered(t, n, "a")
	b := registered(t, n, "b")

	ch, err := a.Dial(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, ch.Outbound())

	ev := next(t, a)
	assert.Equal(t, transport.Opened, ev.Kind)

	in := next(t, b)
	require.Equal(t, transport.IncomingConnection, in.Kind)
	assert.Equal(t, "a", in.Channel.Remote())
	assert.False(t, in.Channel.Outbound())

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, ch.Send([]byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		ev := next(t, b)
		assert.Equal(t, transport.Data, ev.Kind)
		assert.Equal(t, want, string(ev.Data))
		assert.Same(t, in.Channel, ev.Channel)
	}

	require.NoError(t, in.Channel.Send([]byte("back")))
	ev = next(t, a)
	assert.Equal(t, "back", string(ev.Data))

	frames := n.Frames()
	require.Len(t, frames, 4)
	assert.Equal(t, Frame{From: "a", To: "b", Data: []byte("one")}, frames[0])
	assert.Equal(t, Frame{From: "b", To: "a", Data: []byte("back")}, frames[3])
}

func TestDialUnknownPeer(t *testing.T) {
	n := NewNetwork()
	a := registered(t, n, "a")

	ch, err := a.Dial(context.Background(), "ghost")
	require.NoError(t, err)

	ev := next(t, a)
	assert.Equal(t, transport.Closed, ev.Kind)
	assert.ErrorIs(t, ev.Err, transport.ErrPeerUnavailable)
	assert.ErrorIs(t, ch.Send([]byte("x")), transport.ErrNotOpen)
}

func TestDialBeforeRegister(t *testing.T) {
	a := NewNetwork().NewAdapter()
	defer a.Close()

	_, err := a.Dial(context.Background(), "b")
	assert.ErrorIs(t, err, transport.ErrNotRegistered)
}

func TestCloseNotifiesBothEnds(t *testing.T) {
	n := NewNetwork()
	a := registered(t, n, "a")
	b := registered(t, n, "b")

	ch, _ := a.Dial(context.Background(), "b")
	next(t, a)
	in := next(t, b)

	require.NoError(t, ch.Close())
	assert.Equal(t, transport.Closed, next(t, a).Kind)
	ev := next(t, b)
	assert.Equal(t, transport.Closed, ev.Kind)
	assert.Same(t, in.Channel, ev.Channel)

	// second close is silent
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, in.Channel.Send([]byte("x")), transport.ErrNotOpen)
}

func TestAdapterCloseFreesIdentity(t *testing.T) {
	n := NewNetwork()
	a := registered(t, n, "a")
	b := registered(t, n, "b")

	_, err := b.Dial(context.Background(), "a")
	require.NoError(t, err)
	next(t, b)

	require.NoError(t, a.Close())
	assert.Equal(t, transport.Closed, next(t, b).Kind)

	again := n.NewAdapter()
	defer again.Close()
	assert.NoError(t, again.Register(context.Background(), "a"))
}

func TestAdapterCloseDeliversOwnClosedEvents(t *testing.T) {
	n := NewNetwork()
	a := registered(t, n, "a")
	registered(t, n, "b")

	ch, err := a.Dial(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, transport.Opened, next(t, a).Kind)

	require.NoError(t, a.Close())
	ev := next(t, a)
	assert.Equal(t, transport.Closed, ev.Kind)
	assert.Same(t, ch, ev.Channel)

	select {
	case _, ok := <-a.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event stream not closed")
	}
}

func TestMarkAndFramesSince(t *testing.T) {
	n := NewNetwork()
	a := registered(t, n, "a")
	registered(t, n, "b")

	ch, _ := a.Dial(context.Background(), "b")
	require.NoError(t, ch.Send([]byte("before")))
	mark := n.Mark()
	require.NoError(t, ch.Send([]byte("after")))

	since := n.FramesSince(mark)
	require.Len(t, since, 1)
	assert.Equal(t, "after", string(since[0].Data))
}
