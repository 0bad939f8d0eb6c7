package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tonproxy/tonproxy/tonproxy-srv/config"
	"github.com/tonproxy/tonproxy/tonproxy-srv/logger"
	"golang.org/x/net/proxy"
)

// compiledForward pairs a forward rule with a matcher built from its
// domain list. An empty list matches every dial target.
type compiledForward struct {
	fwd     config.Forward
	matcher *DomainMatcher
}

func (cf compiledForward) matches(host string) bool {
	if len(cf.fwd.Domains()) == 0 {
		return true
	}
	return cf.matcher.Matches(host)
}

func compileForwards(forwards []config.Forward) []compiledForward {
	compiled := make([]compiledForward, 0, len(forwards))
	for _, fwd := range forwards {
		compiled = append(compiled, compiledForward{
			fwd:     fwd,
			matcher: NewDomainMatcher(fwd.Domains()),
		})
	}
	return compiled
}

// dialUpstream establishes a TCP connection to the target address,
// applying the first matching forward rule (SOCKS5, HTTP proxy) if one
// is configured. Errors are *Error values.
func (s *Server) dialUpstream(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, NewConnectionError(ErrCodeDialFailed, fmt.Errorf("invalid address %q: %w", addr, err))
	}

	var selected config.Forward
	for i, cf := range s.forwards {
		if cf.matches(host) {
			logger.Debug("Matched forward[%d] type %T for %s", i, cf.fwd, addr)
			selected = cf.fwd
			break
		}
	}

	dialer := &net.Dialer{Timeout: s.timeout}

	if selected == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, dialError(addr, err)
		}
		return conn, nil
	}

	switch fwd := selected.(type) {
	case *config.ForwardDefaultNetwork:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, dialError(addr, err)
		}
		return conn, nil

	case *config.ForwardSocks5:
		logger.Debug("Using SOCKS5 forward (%s) for %s", fwd.Address, addr)
		return dialSocks5(ctx, dialer, fwd, addr)

	case *config.ForwardProxy:
		logger.Debug("Using proxy forward (%s) for %s", fwd.Address, addr)
		return dialHTTPProxy(ctx, dialer, fwd, addr)

	default:
		return nil, NewProxyError(ErrCodeInternalError, GetErrorDescription(ErrCodeInternalError),
			fmt.Errorf("unknown forward type %T", selected))
	}
}

// dialError classifies a dial failure as a timeout or an upstream
// connect failure.
func dialError(addr string, err error) *Error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("dial %s: %w", addr, err))
	}
	return NewConnectionError(ErrCodeUpstreamConnectFailed, fmt.Errorf("dial %s: %w", addr, err))
}

// dialSocks5 connects to the target via a SOCKS5 proxy.
func dialSocks5(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardSocks5, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil && fwd.Password != nil {
		auth = &proxy.Auth{User: *fwd.Username, Password: *fwd.Password}
	} else if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
	}

	socksDialer, err := proxy.SOCKS5("tcp", fwd.Address, auth, dialer)
	if err != nil {
		return nil, NewConnectionError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(contextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", targetHostPort)
	} else {
		conn, err = socksDialer.Dial("tcp", targetHostPort)
	}
	if err != nil {
		return nil, NewConnectionError(ErrCodeSOCKS5ConnectFailed,
			fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, fwd.Address, err))
	}
	return conn, nil
}

// dialHTTPProxy connects to the target through an upstream HTTP proxy by
// issuing a CONNECT and waiting for its 200.
func dialHTTPProxy(ctx context.Context, dialer *net.Dialer, fwd *config.ForwardProxy, targetHostPort string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", fwd.Address)
	if err != nil {
		return nil, NewConnectionError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetHostPort, targetHostPort)
	if fwd.Username != nil && fwd.Password != nil {
		credentials := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + *fwd.Password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", credentials)
	}
	connectReq += "\r\n"

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(dialer.Timeout))
	}

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		_ = conn.Close()
		return nil, NewConnectionError(ErrCodeHTTPProxyConnectFailed,
			fmt.Errorf("sending CONNECT to proxy %s: %w", fwd.Address, err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		_ = conn.Close()
		return nil, NewConnectionError(ErrCodeHTTPProxyConnectFailed,
			fmt.Errorf("reading CONNECT response from proxy %s: %w", fwd.Address, err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, NewConnectionError(ErrCodeHTTPProxyConnectFailed,
			fmt.Errorf("proxy %s refused CONNECT to %s: %s", fwd.Address, targetHostPort, resp.Status))
	}

	// Reset the handshake deadline; the relay manages its own.
	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		// Bytes after the 200 belong to the tunnel.
		buf := make([]byte, br.Buffered())
		if _, err := br.Read(buf); err != nil {
			_ = conn.Close()
			return nil, NewConnectionError(ErrCodeHTTPProxyConnectFailed, err)
		}
		return &bufferConn{Conn: conn, buf: buf}, nil
	}

	return conn, nil
}

// bufferConn replays bytes that were read past a protocol boundary
// before handing reads back to the underlying connection.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}
