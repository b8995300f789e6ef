// Package proxy implements the daemon's hostname-routed reverse-proxy
// handler, including the hand-rolled WebSocket upgrade path that bypasses
// net/http's connection pooling entirely.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/portless-dev/portless/internal/dialer"
	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/registry"
)

// hopByHopHeaders are stripped before forwarding a non-upgrade request,
// per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Snapshot is the route table shape the handler needs: a hostname lookup
// over whatever the reloader most recently published.
type Snapshot []registry.Route

func (s Snapshot) lookup(hostname string) (registry.Route, bool) {
	for _, r := range s {
		if r.Hostname == hostname {
			return r, true
		}
	}
	return registry.Route{}, false
}

// Handler routes requests by Host header to the backend port registered for
// that hostname, forwarding plain HTTP requests via httputil.ReverseProxy
// and handing WebSocket upgrades off to the raw hijack path.
type Handler struct {
	// Snapshot is invoked on every request; callers hand in the reloader's
	// most recently published route table via an atomic-friendly accessor.
	Snapshot func() Snapshot
	Logger   *zap.Logger
	// ListenPort is used as the X-Forwarded-Port fallback when the
	// inbound Host header carries no explicit port.
	ListenPort int
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(probe.SentinelHeader, probe.SentinelValue)

	reqID := uuid.New().String()
	log := h.logger().With(zap.String("request_id", reqID), zap.String("method", r.Method))

	hostname, hostPort, err := splitHost(r.Host)
	if err != nil {
		log.Warn("unparsable Host header", zap.String("host", r.Host), zap.Error(err))
		http.Error(w, "bad request: unparsable Host header", http.StatusBadRequest)
		return
	}

	route, ok := h.Snapshot().lookup(hostname)
	if !ok {
		log.Info("no route registered", zap.String("hostname", hostname))
		http.Error(w, fmt.Sprintf("portless: no backend registered for %q", hostname), http.StatusBadGateway)
		return
	}

	log = log.With(zap.String("hostname", hostname), zap.Uint16("backend_port", route.Port))
	log.Debug("routing request")

	if isUpgradeRequest(r) {
		h.serveWebSocket(w, r, route, hostPort, log)
		return
	}

	h.serveHTTP(w, r, route, hostPort, log)
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request, route registry.Route, originalPort string, log *zap.Logger) {
	forwardedPort := originalPort
	if forwardedPort == "" {
		forwardedPort = strconv.Itoa(h.ListenPort)
	}

	proxyReq := r.Clone(r.Context())
	stripHopByHop(proxyReq.Header)
	proxyReq.Host = "localhost:" + strconv.Itoa(int(route.Port))
	proxyReq.Header.Set("X-Forwarded-Proto", "http")
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)
	proxyReq.Header.Set("X-Forwarded-Port", forwardedPort)
	// X-Forwarded-For is not set here: on the Director path,
	// httputil.ReverseProxy itself appends the client's address to any
	// inbound value.

	rp := &httputil.ReverseProxy{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.Dial(ctx, int(route.Port))
			},
		},
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = proxyReq.Host
			req.Host = proxyReq.Host
			req.Header = proxyReq.Header
		},
		ErrorHandler: func(rw http.ResponseWriter, _ *http.Request, err error) {
			log.Warn("backend request failed", zap.Error(err))
			rw.Header().Set(probe.SentinelHeader, probe.SentinelValue)
			http.Error(rw, "portless: backend unreachable", http.StatusBadGateway)
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(probe.SentinelHeader, probe.SentinelValue)
			return nil
		},
	}

	rp.ServeHTTP(w, proxyReq)
}

// splitHost lowercases host and strips a trailing port, returning the bare
// hostname and the port (empty if none was present).
func splitHost(host string) (hostname, port string, err error) {
	if host == "" {
		return "", "", fmt.Errorf("empty Host header")
	}
	h, p, splitErr := net.SplitHostPort(host)
	if splitErr != nil {
		// No port present; net.SplitHostPort errors on that shape.
		return strings.ToLower(host), "", nil
	}
	return strings.ToLower(h), p, nil
}

func isUpgradeRequest(r *http.Request) bool {
	return headerTokenContains(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerTokenContains(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func appendForwardedFor(h http.Header, remoteAddr string) {
	clientIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		clientIP = host
	}
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
}
