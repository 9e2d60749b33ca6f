// Package discovery finds room members on the local network and learns the
// machine's public address.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"meshchat/internal/room"
)

const txtIdentity = "id="

var ErrNotFound = errors.New("peer not found via mDNS")

// MDNS advertises and resolves identities of one room over multicast DNS.
type MDNS struct {
	RoomID string
	// Timeout bounds each Resolve; zero means until ctx ends.
	Timeout time.Duration
}

// Advertise announces identity at port until the returned stop is called.
func (m *MDNS) Advertise(ctx context.Context, identity string, port int) (func(), error) {
	return Advertise(ctx, m.RoomID, identity, port)
}

// Resolve returns host:port of identity.
func (m *MDNS) Resolve(ctx context.Context, identity string) (string, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	return Resolve(ctx, m.RoomID, identity)
}

// Advertise announces identity on the local network under the room's
// service type. It stops when ctx ends or stop is called.
func Advertise(ctx context.Context, roomID, identity string, port int) (stop func(), err error) {
	server, err := zeroconf.Register(InstanceName(identity), ServiceType(roomID), "local.", port,
		[]string{txtIdentity + identity}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to advertise: %w", err)
	}

	return stopper(ctx, server.Shutdown), nil
}

// stopper runs shutdown once, when ctx ends or the returned func is called,
// whichever comes first. The func is safe to call from any goroutine.
func stopper(ctx context.Context, shutdown func()) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// Resolve browses the room's service type until an entry for identity shows
// up or ctx ends.
func Resolve(ctx context.Context, roomID, identity string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := resolver.Browse(browseCtx, ServiceType(roomID), "local.", entries); err != nil {
		return "", err
	}

	want := InstanceName(identity)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if e.Instance != want && entryIdentity(e.Text) != identity {
				continue
			}
			if addr := entryAddr(e); addr != "" {
				return addr, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrNotFound
			}
			return "", ctx.Err()
		}
	}
}

func entryIdentity(txt []string) string {
	for _, t := range txt {
		if strings.HasPrefix(t, txtIdentity) {
			return strings.TrimPrefix(t, txtIdentity)
		}
	}
	return ""
}

// prefer IPv4 but take whatever we get
func entryAddr(e *zeroconf.ServiceEntry) string {
	port := strconv.Itoa(e.Port)
	if len(e.AddrIPv4) > 0 {
		return net.JoinHostPort(e.AddrIPv4[0].String(), port)
	}
	if len(e.AddrIPv6) > 0 {
		return net.JoinHostPort(e.AddrIPv6[0].String(), port)
	}
	return ""
}

// ServiceType is unique per room.
func ServiceType(roomID string) string {
	return fmt.Sprintf("_meshchat_%s._udp", room.GetDiscoveryHash(roomID))
}

// InstanceName keeps identities out of the instance label, which has a
// 63 byte limit.
func InstanceName(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:12])
}
