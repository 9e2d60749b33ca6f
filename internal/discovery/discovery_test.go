package discovery

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roomID = "Mesh_4f9d2cA7Bq1WmZr8TxkLpN3sHe6Ju5Vy"

func TestServiceTypeIsPerRoom(t *testing.T) {
	st := ServiceType(roomID)
	assert.True(t, strings.HasPrefix(st, "_meshchat_"))
	assert.True(t, strings.HasSuffix(st, "._udp"))
	assert.Equal(t, st, ServiceType(roomID))
	assert.NotEqual(t, st, ServiceType(roomID+"x"))
}

func TestInstanceName(t *testing.T) {
	id := roomID + "-a1b2c3d4"
	name := InstanceName(id)
	assert.Len(t, name, 24)
	assert.LessOrEqual(t, len(name), 63)
	assert.NotEqual(t, name, InstanceName(roomID))
}

func TestEntryIdentity(t *testing.T) {
	assert.Equal(t, "alice", entryIdentity([]string{"v=1", "id=alice"}))
	assert.Empty(t, entryIdentity([]string{"v=1"}))
	assert.Empty(t, entryIdentity(nil))
}

func TestEntryAddr(t *testing.T) {
	e := zeroconf.NewServiceEntry("x", ServiceType(roomID), "local.")
	e.Port = 8123
	assert.Empty(t, entryAddr(e))

	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "[fe80::1]:8123", entryAddr(e))

	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	assert.Equal(t, "192.168.1.20:8123", entryAddr(e))
}

func TestIsLocalAddress(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.7", "169.254.1.1", "::1", "fe80::1"} {
		assert.True(t, IsLocalAddress(ip), ip)
	}
	for _, ip := range []string{"8.8.8.8", "2001:4860:4860::8888", "not-an-ip"} {
		assert.False(t, IsLocalAddress(ip), ip)
	}
}

func TestExternalUDPAddrNeedsServers(t *testing.T) {
	_, err := ExternalUDPAddr(context.Background(), nil)
	require.Error(t, err)
}

func TestStopperShutsDownOnce(t *testing.T) {
	var calls atomic.Int32
	stop := stopper(context.Background(), func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopperFollowsContext(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	stop := stopper(ctx, func() { calls.Add(1) })

	cancel()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, int32(1), calls.Load())
}
