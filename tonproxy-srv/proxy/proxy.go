package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonproxy/tonproxy/tonproxy-srv/config"
	"github.com/tonproxy/tonproxy/tonproxy-srv/logger"
	"github.com/tonproxy/tonproxy/tonproxy-srv/stats"
)

// shutdownGracePeriod is how long Stop waits for in-flight connections
// before force-closing them.
const shutdownGracePeriod = 5 * time.Second

// Server owns the listener and supervises one handling goroutine per
// accepted connection. All handlers share only the immutable config, the
// router built from it, and the stats collector.
type Server struct {
	config   *config.Config
	router   *Router
	matcher  *DomainMatcher
	forwards []compiledForward
	timeout  time.Duration

	stats.Collector

	listener     net.Listener
	mu           sync.Mutex
	conns        map[net.Conn]struct{}
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer builds a server from a validated config.
func NewServer(cfg *config.Config) (*Server, error) {
	matcher := NewDomainMatcher(cfg.TonDomains)
	router, err := NewRouter(cfg, matcher)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		router:   router,
		matcher:  matcher,
		forwards: compileForwards(cfg.Forwards),
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		conns:    make(map[net.Conn]struct{}),
	}

	if cfg.Statistics.Enabled {
		collector, err := stats.NewCollectorFactory().CreateCollector(&cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			s.Collector = stats.NewDummyCollector()
		} else {
			s.Collector = collector
		}
	} else {
		s.Collector = stats.NewDummyCollector()
	}

	return s, nil
}

// ListenAndServe binds the configured address and runs the accept loop
// until Stop is called.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.BindAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed), err)
	}
	return s.Serve(listener)
}

// Serve runs the accept loop on an existing listener. Connection errors
// never terminate the loop; only a shutdown does.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Starting TON proxy server on %s", listener.Addr().String())
	logger.Info("Configure your browser to use this proxy for HTTP and HTTPS traffic")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() || isClosedConnError(err) {
				return nil
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, waits up to the grace period for in-flight
// connections, then force-closes whatever is left.
func (s *Server) Stop() error {
	s.shuttingDown.Store(true)

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		logger.Warn("Forcing close of lingering connections after %s", shutdownGracePeriod)
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	if closeErr := s.Collector.Close(); closeErr != nil {
		logger.Error("Error closing stats collector: %v", closeErr)
	}

	if err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection runs one connection from parse to close. Failures are
// confined here: logged, reported to the client where a response is
// still possible, and never allowed to reach the accept loop.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	s.trackConn(conn, true)
	defer s.trackConn(conn, false)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] Recovered from connection panic: %v", ErrCodePanicRecovered, r)
		}
		_ = conn.Close()
	}()

	clientAddr := conn.RemoteAddr().String()
	clientIP, _, splitErr := net.SplitHostPort(clientAddr)
	if splitErr != nil {
		clientIP = clientAddr
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		logger.Error("Failed to set read deadline for %s: %v", clientAddr, err)
		return
	}

	br := bufio.NewReader(conn)
	req, err := ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("Client %s disconnected before sending a request", clientAddr)
			return
		}
		s.rejectConn(conn, clientAddr, "", err)
		return
	}

	if s.config.VerboseLogging {
		logger.Debug("Received request from %s: %s %s %s", clientAddr, req.Method, req.Target, req.Proto)
	}

	decision, err := s.router.Route(req)
	if err != nil {
		s.rejectConn(conn, clientAddr, req.Target, err)
		return
	}

	switch decision.Kind {
	case RouteForwardRewritten:
		logger.Info("Handling TON domain request from %s: %s %s -> %s%s",
			clientAddr, req.Method, req.Target, decision.Authority, decision.RequestURI)
	default:
		logger.Debug("Routing %s %s from %s via %s to %s",
			req.Method, req.Target, clientAddr, decision.Kind, decision.TargetAddr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	targetHost, targetPortStr, _ := net.SplitHostPort(decision.TargetAddr)
	targetPort, _ := strconv.Atoi(targetPortStr)
	protocol := "http"
	if decision.Kind == RouteTunnel {
		protocol = "tunnel"
	}

	connectionID, statsErr := s.StartConnection(ctx, clientIP, targetHost, targetPort, protocol)
	if statsErr != nil {
		logger.Error("Failed to record connection start: %v", statsErr)
	}

	start := time.Now()
	state := stateConnecting

	targetConn, err := s.dialUpstream(ctx, decision.TargetAddr)
	if err != nil {
		state = stateFailed
		s.rejectConn(conn, clientAddr, decision.TargetAddr, err)
		s.recordFailure(ctx, connectionID, err, start, state)
		return
	}
	defer func() {
		_ = targetConn.Close()
	}()
	state = stateEstablished

	switch decision.Kind {
	case RouteTunnel:
		if _, err := io.WriteString(conn, connectEstablishedResponse); err != nil {
			state = stateFailed
			logger.Error("Failed to send 200 to %s: %v", clientAddr, err)
			s.recordFailure(ctx, connectionID, err, start, state)
			return
		}

		state = stateRelaying
		sent, received := relayTunnel(newIdleConn(conn, s.timeout), newIdleConn(targetConn, s.timeout), br)
		state = stateClosed

		logger.Debug("Tunnel to %s closed after %d bytes sent, %d received", decision.TargetAddr, sent, received)
		if err := s.EndConnection(ctx, connectionID, sent, received, time.Since(start), state.String()); err != nil {
			logger.Error("Failed to record connection end: %v", err)
		}

	default:
		deadline := time.Now().Add(s.timeout)
		_ = conn.SetDeadline(deadline)
		_ = targetConn.SetDeadline(deadline)

		if err := s.RecordHTTPRequest(ctx, connectionID, req.Method, decision.RequestURI, decision.Authority); err != nil {
			logger.Error("Failed to record HTTP request: %v", err)
		}

		state = stateRelaying
		received, err := relayForward(conn, targetConn, br, req, decision)
		if err != nil {
			state = stateFailed
			logger.Error("Forward to %s for %s failed: %v", decision.TargetAddr, clientAddr, err)
			s.recordFailure(ctx, connectionID, err, start, state)
			return
		}
		state = stateClosed

		logger.Debug("Forward exchange with %s complete, %d response bytes", decision.TargetAddr, received)
		if err := s.EndConnection(ctx, connectionID, 0, received, time.Since(start), state.String()); err != nil {
			logger.Error("Failed to record connection end: %v", err)
		}
	}
}

// rejectConn reports a connection-scoped failure to the client when a
// response is still possible, and logs it with enough context to trace.
func (s *Server) rejectConn(conn net.Conn, clientAddr, target string, err error) {
	code := ErrCodeInternalError
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		code = proxyErr.Code
	} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		code = ErrCodeConnectionTimeout
	}

	logger.Error("Rejecting connection from %s (target %q): %v", clientAddr, target, err)

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, writeErr := conn.Write(errorResponseBytes(code)); writeErr != nil && !isClosedConnError(writeErr) {
		logger.Debug("Failed to write error response to %s: %v", clientAddr, writeErr)
	}
}

// recordFailure reports a failed connection to the collector.
func (s *Server) recordFailure(ctx context.Context, connectionID int64, err error, start time.Time, state connState) {
	code := ErrCodeInternalError
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		code = proxyErr.Code
	}
	if recordErr := s.RecordError(ctx, connectionID, code, err.Error()); recordErr != nil {
		logger.Error("Failed to record error: %v", recordErr)
	}
	if endErr := s.EndConnection(ctx, connectionID, 0, 0, time.Since(start), state.String()); endErr != nil {
		logger.Error("Failed to record connection end: %v", endErr)
	}
}
