package httpgw

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
)

// WebSocketProxy handles WebSocket upgrade requests by hijacking the client
// connection, dialing the upstream, replaying the handshake with the
// gateway's forwarding headers, and relaying bytes in both directions. The
// gateway does not interpret frames; after the handshake it is a transparent
// byte pipe.
type WebSocketProxy struct {
	metrics *Metrics
	logger  *slog.Logger
}

// NewWebSocketProxy creates a WebSocketProxy.
func NewWebSocketProxy(metrics *Metrics, logger *slog.Logger) *WebSocketProxy {
	return &WebSocketProxy{metrics: metrics, logger: logger}
}

// Proxy upgrades the client connection and relays it to the upstream at
// destURL. headers is the already-policied outbound header set; the upgrade
// handshake sent upstream carries it, so the upstream sees the same trace
// and identity headers as any proxied request.
func (ws *WebSocketProxy) Proxy(w http.ResponseWriter, r *http.Request, destURL string, headers http.Header) error {
	logger := ws.logger
	logger.Info("websocket proxy started", "dest", destURL, "client", r.RemoteAddr)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "gateway_error", "connection cannot be upgraded")
		return fmt.Errorf("response writer does not support hijacking")
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return fmt.Errorf("failed to hijack client connection: %w", err)
	}
	defer clientConn.Close()

	upstreamConn, err := net.Dial("tcp", destURLToAddr(destURL))
	if err != nil {
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return fmt.Errorf("failed to dial upstream: %w", err)
	}
	defer upstreamConn.Close()

	upgradeReq := buildUpgradeRequest(r, destURLToPath(destURL), headers)
	if _, err := upstreamConn.Write([]byte(upgradeReq)); err != nil {
		return fmt.Errorf("failed to send upgrade to upstream: %w", err)
	}

	// Read the upstream's handshake response and forward it verbatim. A
	// non-101 answer ends the exchange; the client sees the upstream's
	// rejection as-is.
	upstreamReader := bufio.NewReader(upstreamConn)
	statusLine, rest, err := readHandshakeResponse(upstreamReader)
	if err != nil {
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return fmt.Errorf("failed to read upgrade response: %w", err)
	}
	if _, err := clientConn.Write(rest); err != nil {
		return fmt.Errorf("failed to forward upgrade response to client: %w", err)
	}
	if !strings.Contains(statusLine, " 101 ") && !strings.HasSuffix(statusLine, " 101") {
		return fmt.Errorf("upstream refused websocket upgrade: %s", strings.TrimSpace(statusLine))
	}

	ws.metrics.WebSocketOpened()
	defer ws.metrics.WebSocketClosed()

	// Bytes the client sent before the hijack completed are still in the
	// buffered reader; drain them upstream first.
	if n := clientBuf.Reader.Buffered(); n > 0 {
		pending := make([]byte, n)
		if _, err := io.ReadFull(clientBuf.Reader, pending); err == nil {
			_, _ = upstreamConn.Write(pending)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(upstreamConn, clientConn); err != nil {
			logger.Debug("websocket client to upstream relay ended", "error", err)
		}
		halfCloseWrite(upstreamConn)
	}()
	go func() {
		defer wg.Done()
		if _, err := io.Copy(clientConn, upstreamReader); err != nil {
			logger.Debug("websocket upstream to client relay ended", "error", err)
		}
		halfCloseWrite(clientConn)
	}()
	wg.Wait()

	logger.Debug("websocket proxy closed", "dest", destURL)
	return nil
}

// readHandshakeResponse reads the upstream's handshake up to the blank line
// terminating the headers. Returns the status line and the raw bytes read.
func readHandshakeResponse(r *bufio.Reader) (statusLine string, raw []byte, err error) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return "", nil, err
		}
		raw = append(raw, line...)
		if statusLine == "" {
			statusLine = string(line)
		}
		if len(strings.TrimRight(string(line), "\r\n")) == 0 {
			return statusLine, raw, nil
		}
	}
}

// halfCloseWrite signals end-of-stream to the peer while letting the other
// relay direction drain.
func halfCloseWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// destURLToAddr extracts the host:port from an upstream URL, applying the
// scheme's default port when absent.
func destURLToAddr(destURL string) string {
	u := destURL
	port := ":80"

	if strings.HasPrefix(u, "https://") {
		port = ":443"
		u = u[8:]
	} else if strings.HasPrefix(u, "http://") {
		u = u[7:]
	} else if strings.HasPrefix(u, "wss://") {
		port = ":443"
		u = u[6:]
	} else if strings.HasPrefix(u, "ws://") {
		u = u[5:]
	}

	if idx := strings.Index(u, "/"); idx != -1 {
		u = u[:idx]
	}
	if !strings.Contains(u, ":") {
		u += port
	}
	return u
}

// destURLToPath extracts the path from an upstream URL, defaulting to "/".
func destURLToPath(destURL string) string {
	u := destURL
	if idx := strings.Index(u, "://"); idx != -1 {
		u = u[idx+3:]
	}
	if idx := strings.Index(u, "/"); idx != -1 {
		return u[idx:]
	}
	return "/"
}

// buildUpgradeRequest constructs the HTTP upgrade request sent upstream.
// The policied header set replaces the client's headers wholesale; the
// Upgrade and Connection headers are re-added here because the forwarding
// policy strips them as hop-by-hop.
func buildUpgradeRequest(r *http.Request, path string, headers http.Header) string {
	var b strings.Builder
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")

	for key, values := range headers {
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}

	b.WriteString("\r\n")
	return b.String()
}
