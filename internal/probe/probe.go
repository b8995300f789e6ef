// Package probe implements the liveness check used to detect whether a
// portless daemon already owns a given port.
package probe

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"
)

// SentinelHeader is the response header every portless daemon sets, used to
// distinguish it from an unrelated process that happens to be listening on
// the same port.
const SentinelHeader = "X-Portless"

// SentinelValue is the expected value of SentinelHeader.
const SentinelValue = "1"

// Timeout bounds how long IsRunning waits for a response, so that
// auto-start polling loops never stall on a hung connection.
const Timeout = 1 * time.Second

// IsRunning reports whether a portless daemon is listening on 127.0.0.1:port.
// Connection refused, timeout, and a response missing the sentinel header
// are all treated as "not running."
func IsRunning(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: Timeout}).DialContext,
		},
		Timeout: Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, addr(port), nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.Header.Get(SentinelHeader) == SentinelValue
}

func addr(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port) + "/"
}
