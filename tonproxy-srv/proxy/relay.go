package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonproxy/tonproxy/tonproxy-srv/logger"
)

// connState tracks a connection through the relay engine. Failed is
// reachable from every non-terminal state.
type connState int

const (
	stateConnecting connState = iota
	stateEstablished
	stateRelaying
	stateClosed
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateEstablished:
		return "established"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// tunnelGracePeriod is how long the surviving direction gets to flush
// after the other side signals EOF.
const tunnelGracePeriod = 2 * time.Second

const connectEstablishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"

// closeWriter is satisfied by *net.TCPConn and by idleConn; half-closing
// lets the peer drain before the grace period force-closes everything.
type closeWriter interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// idleConn bumps the connection deadline on every successful I/O so an
// active tunnel stays open while a stalled peer still times out.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleConn(conn net.Conn, timeout time.Duration) *idleConn {
	return &idleConn{Conn: conn, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// relayTunnel copies bytes in both directions between the client and the
// routed target until one side closes or errors, then gives the other
// direction a bounded grace period before both sockets are closed. The
// content is never inspected. Bytes already buffered behind the CONNECT
// head are flushed to the target first. Returns bytes sent
// (client→target) and received (target→client).
func relayTunnel(clientConn, targetConn net.Conn, clientBuf *bufio.Reader) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	var closeOnce sync.Once
	graceClose := func() {
		closeOnce.Do(func() {
			time.AfterFunc(tunnelGracePeriod, func() {
				_ = clientConn.Close()
				_ = targetConn.Close()
			})
		})
	}

	go func() {
		defer wg.Done()
		defer graceClose()
		if clientBuf != nil && clientBuf.Buffered() > 0 {
			n, err := io.CopyN(targetConn, clientBuf, int64(clientBuf.Buffered()))
			sent += n
			if err != nil {
				if !isClosedConnError(err) {
					logger.Warn("Tunnel copy error flushing buffered client data: %v", err)
				}
				return
			}
		}
		n, err := io.Copy(targetConn, clientConn)
		sent += n
		if err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (client to target): %v", err)
		}
		closeWrite(targetConn)
	}()

	go func() {
		defer wg.Done()
		defer graceClose()
		n, err := io.Copy(clientConn, targetConn)
		received += n
		if err != nil && !isClosedConnError(err) {
			logger.Warn("Tunnel copy error (target to client): %v", err)
		}
		closeWrite(clientConn)
	}()

	wg.Wait()
	return sent, received
}

// hop-by-hop fields never forwarded to the upstream. Connection is
// handled separately: the proxy forces "Connection: close" so the
// upstream terminates the exchange after one response.
var hopByHopHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Proxy-Authenticate":  {},
	"Keep-Alive":          {},
	"Connection":          {},
}

// writeForwardRequest writes the (possibly rewritten) request line and
// headers. Only the request line and Host are rewritten; every other
// field goes out verbatim in its original order.
func writeForwardRequest(w io.Writer, req *ParsedRequest, decision RouteDecision) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", req.Method, decision.RequestURI, req.Proto)

	wroteHost := false
	for _, h := range req.Headers {
		if _, hop := hopByHopHeaders[textprotoCanonical(h.Name)]; hop {
			continue
		}
		if strings.EqualFold(h.Name, "Host") {
			if !wroteHost {
				fmt.Fprintf(&sb, "Host: %s\r\n", decision.Authority)
				wroteHost = true
			}
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", h.Name, h.Value)
	}
	if !wroteHost {
		fmt.Fprintf(&sb, "Host: %s\r\n", decision.Authority)
	}
	sb.WriteString("Connection: close\r\n\r\n")

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed), err)
	}
	return nil
}

// textprotoCanonical normalizes a header name just enough for the
// hop-by-hop lookup (Title-Case per dash-separated word).
func textprotoCanonical(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// copyRequestBody streams the client's body to the upstream using the
// framing the client declared. The framing bytes themselves are passed
// through unmodified.
func copyRequestBody(dst io.Writer, src *bufio.Reader, req *ParsedRequest) error {
	if req.IsChunked() {
		return copyChunkedBody(dst, src)
	}
	if cl := req.ContentLength(); cl > 0 {
		if _, err := io.CopyN(dst, src, cl); err != nil {
			return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed), err)
		}
	}
	return nil
}

// copyChunkedBody relays a chunked body verbatim, scanning only the
// chunk-size lines to find the end of the message. net/http's chunked
// reader decodes the framing instead of preserving it, so this is done
// by hand.
func copyChunkedBody(dst io.Writer, src *bufio.Reader) error {
	for {
		sizeLine, err := src.ReadString('\n')
		if err != nil {
			return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed),
				fmt.Errorf("reading chunk size: %w", err))
		}
		if _, err := io.WriteString(dst, sizeLine); err != nil {
			return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed), err)
		}

		sizeTok := strings.TrimSpace(sizeLine)
		if semi := strings.IndexByte(sizeTok, ';'); semi >= 0 {
			sizeTok = sizeTok[:semi]
		}
		size, err := strconv.ParseInt(sizeTok, 16, 64)
		if err != nil || size < 0 {
			return NewMalformedRequestError(fmt.Errorf("invalid chunk size line %q", strings.TrimSpace(sizeLine)))
		}

		if size == 0 {
			// Trailer section, terminated by a blank line.
			for {
				line, err := src.ReadString('\n')
				if err != nil {
					return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed),
						fmt.Errorf("reading trailers: %w", err))
				}
				if _, err := io.WriteString(dst, line); err != nil {
					return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed), err)
				}
				if line == "\r\n" || line == "\n" {
					return nil
				}
			}
		}

		// Chunk payload plus its trailing CRLF.
		if _, err := io.CopyN(dst, src, size+2); err != nil {
			return NewProxyError(ErrCodeRequestWriteFailed, GetErrorDescription(ErrCodeRequestWriteFailed),
				fmt.Errorf("copying chunk: %w", err))
		}
	}
}

// relayForward performs the single rewritten request/response exchange:
// head and body to the upstream, full response back to the client
// verbatim. Returns bytes received from the upstream.
func relayForward(clientConn, targetConn net.Conn, clientBuf *bufio.Reader, req *ParsedRequest, decision RouteDecision) (int64, error) {
	if err := writeForwardRequest(targetConn, req, decision); err != nil {
		return 0, err
	}
	if err := copyRequestBody(targetConn, clientBuf, req); err != nil {
		return 0, err
	}

	n, err := io.Copy(clientConn, targetConn)
	if err != nil && !isClosedConnError(err) {
		return n, NewProxyError(ErrCodeResponseCopyFailed, GetErrorDescription(ErrCodeResponseCopyFailed), err)
	}
	return n, nil
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
