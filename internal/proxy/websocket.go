package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/portless-dev/portless/internal/dialer"
	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/registry"
)

// headerByteBudget bounds how many bytes of the backend's upgrade response
// are read while hunting for the \r\n\r\n terminator, so a misbehaving
// backend can't hold the handler open forever.
const headerByteBudget = 32 * 1024

// serveWebSocket implements the upgrade hijack path: it takes
// ownership of the client's raw TCP stream, dials the backend directly,
// replays the inbound request as raw bytes, and either relays a rejection
// response verbatim or tunnels bytes bidirectionally after a 101.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, route registry.Route, originalPort string, log *zap.Logger) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Warn("response writer does not support hijacking")
		http.Error(w, "portless: upgrade not supported", http.StatusBadGateway)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.Warn("hijack failed", zap.Error(err))
		http.Error(w, "portless: upgrade failed", http.StatusBadGateway)
		return
	}
	defer clientConn.Close()

	backendConn, err := dialer.Dial(r.Context(), int(route.Port))
	if err != nil {
		log.Warn("backend dial failed for websocket upgrade", zap.Error(err))
		writeRawError(clientConn, http.StatusBadGateway, "portless: backend unreachable")
		return
	}
	defer backendConn.Close()

	forwardedPort := originalPort
	if forwardedPort == "" {
		forwardedPort = strconv.Itoa(h.ListenPort)
	}

	upstreamReq := buildUpstreamRequest(r, route.Port, forwardedPort)
	if _, err := backendConn.Write(upstreamReq); err != nil {
		log.Warn("failed writing upgrade request to backend", zap.Error(err))
		writeRawError(clientConn, http.StatusBadGateway, "portless: backend write failed")
		return
	}

	// Any bytes buffered by the hijacked reader belong to the request body,
	// not the response; drain them to the backend before reading its reply.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		buffered, _ := clientBuf.Reader.Peek(n)
		if _, err := backendConn.Write(buffered); err != nil {
			log.Warn("failed relaying buffered request bytes", zap.Error(err))
			writeRawError(clientConn, http.StatusBadGateway, "portless: backend write failed")
			return
		}
	}

	statusLine, headerBytes, err := readBackendHeaders(backendConn)
	if err != nil {
		log.Warn("failed reading backend upgrade response", zap.Error(err))
		writeRawError(clientConn, http.StatusBadGateway, "portless: backend response malformed")
		return
	}

	if !bytes.HasPrefix(statusLine, []byte("HTTP/1.1 101")) && !bytes.HasPrefix(statusLine, []byte("HTTP/1.0 101")) {
		// Backend rejected the upgrade (400/401/426/...): relay its answer
		// verbatim so the client sees the real response.
		log.Info("backend rejected websocket upgrade", zap.ByteString("status_line", statusLine))
		clientConn.Write(statusLine)
		clientConn.Write(headerBytes)
		io.Copy(clientConn, backendConn)
		return
	}

	log.Debug("websocket upgrade accepted, tunneling")
	clientConn.Write(statusLine)
	clientConn.Write(headerBytes)

	tunnel(clientConn, backendConn)
}

// buildUpstreamRequest constructs the raw HTTP/1.1 request line and headers
// to send the backend, preserving Connection/Upgrade (unlike the plain HTTP
// forwarding path) and rewriting Host plus the X-Forwarded-* set.
func buildUpstreamRequest(r *http.Request, backendPort uint16, forwardedPort string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())

	headers := r.Header.Clone()
	headers.Set("Host", "localhost:"+strconv.Itoa(int(backendPort)))
	headers.Set("X-Forwarded-Proto", "http")
	headers.Set("X-Forwarded-Host", r.Host)
	headers.Set("X-Forwarded-Port", forwardedPort)
	appendForwardedFor(headers, r.RemoteAddr)

	fmt.Fprintf(&buf, "Host: %s\r\n", headers.Get("Host"))
	headers.Del("Host")
	for key, values := range headers {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// readBackendHeaders reads byte-by-byte up to headerByteBudget looking for
// the blank-line terminator, returning the status line and the remaining
// header bytes (terminator included) separately. The second slice also
// carries any bytes already buffered past the terminator.
func readBackendHeaders(conn net.Conn) (statusLine, headerBytes []byte, err error) {
	reader := bufio.NewReader(conn)

	var raw bytes.Buffer
	for {
		if raw.Len() >= headerByteBudget {
			return nil, nil, fmt.Errorf("backend response headers exceeded %d byte budget", headerByteBudget)
		}
		b, readErr := reader.ReadByte()
		if readErr != nil {
			return nil, nil, fmt.Errorf("reading backend response: %w", readErr)
		}
		raw.WriteByte(b)
		if bytes.HasSuffix(raw.Bytes(), []byte("\r\n\r\n")) {
			break
		}
	}

	all := raw.Bytes()
	idx := bytes.Index(all, []byte("\r\n"))
	if idx < 0 {
		return nil, nil, fmt.Errorf("backend response missing status line terminator")
	}

	// Any bytes the bufio.Reader pulled past the header terminator belong to
	// the tunnel payload and must not be dropped.
	buffered := reader.Buffered()
	if buffered > 0 {
		extra, _ := reader.Peek(buffered)
		all = append(all, extra...)
		reader.Discard(buffered)
	}

	return all[:idx+2], all[idx+2:], nil
}

// tunnel copies bytes bidirectionally between the client and backend
// connections until either side closes or errors, then closes both.
func tunnel(client, backend net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(backend, client)
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, backend)
		closeWrite(client)
	}()

	wg.Wait()
}

// closeWrite half-closes the write side of conn if it supports it, so the
// peer observes EOF without tearing down the read side prematurely.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

// writeRawError writes a minimal, hand-rolled HTTP response directly to a
// hijacked connection (no net/http machinery available past this point).
func writeRawError(conn net.Conn, status int, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n%s: %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), probe.SentinelHeader, probe.SentinelValue, len(body), body)
}
