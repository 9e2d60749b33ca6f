package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun"
)

// ExternalUDPAddr asks each STUN server in turn for our public ip:port and
// returns the first answer.
func ExternalUDPAddr(ctx context.Context, servers []string) (string, error) {
	if len(servers) == 0 {
		return "", errors.New("no STUN servers configured")
	}

	var errs []error
	for _, server := range servers {
		addr, err := querySTUN(ctx, server)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

func querySTUN(ctx context.Context, server string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	conn.SetDeadline(deadline)

	c, err := stun.NewClient(conn)
	if err != nil {
		return "", err
	}
	defer c.Close()

	var xorAddr stun.XORMappedAddress
	var resErr error
	if err := c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
		if res.Error != nil {
			resErr = res.Error
			return
		}
		resErr = xorAddr.GetFrom(res.Message)
	}); err != nil {
		return "", err
	}
	if resErr != nil {
		return "", resErr
	}
	return net.JoinHostPort(xorAddr.IP.String(), strconv.Itoa(xorAddr.Port)), nil
}

// IsLocalAddress reports whether ip is loopback, private or link-local.
func IsLocalAddress(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast()
}
