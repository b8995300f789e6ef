// Package dialer connects to a backend process listening on loopback,
// preferring IPv4 and falling back to IPv6.
package dialer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Timeout bounds a single dial attempt.
const Timeout = 2 * time.Second

// Dial connects to a backend listening on the loopback interface at port,
// trying 127.0.0.1 first and ::1 if that fails.
func Dial(ctx context.Context, port int) (net.Conn, error) {
	d := &net.Dialer{Timeout: Timeout}
	portStr := strconv.Itoa(port)

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", portStr))
	if err == nil {
		return conn, nil
	}
	v4Err := err

	conn, err = d.DialContext(ctx, "tcp", net.JoinHostPort("::1", portStr))
	if err == nil {
		return conn, nil
	}

	return nil, fmt.Errorf("dialer: connect to backend port %d: ipv4: %v, ipv6: %w", port, v4Err, err)
}
