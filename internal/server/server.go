package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fanserial/internal/observability"
	"github.com/danmuck/fanserial/internal/protocol/session"
	"github.com/danmuck/fanserial/internal/serial"
)

var ErrStopTimeout = errors.New("server: stop timed out waiting for connections")

const (
	drainPoll       = 10 * time.Millisecond
	acceptWakeGrace = time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithOnError sets the hook that receives lifecycle and per-connection
// failures. Errors are logged either way.
func WithOnError(fn func(error)) Option {
	return func(s *Server) {
		s.onError = fn
	}
}

// WithCloseIdleOnStop makes Stop close connections that are waiting for
// their next request right away instead of letting the peer finish the
// conversation. Requests already being handled still complete.
func WithCloseIdleOnStop() Option {
	return func(s *Server) {
		s.closeIdle = true
	}
}

// WithCodec sets the codec used on every connection.
func WithCodec(c *serial.Codec) Option {
	return func(s *Server) {
		s.cfg.Session.Codec = c
	}
}

// Server accepts protocol connections and runs one goroutine per
// connection, each looping receive, OnRequest, reply until the peer closes.
type Server struct {
	cfg     Config
	handler   Handler
	onError   func(error)
	closeIdle bool

	// mu serializes Start and Stop.
	mu       sync.Mutex
	run      *run
	running  atomic.Bool
	stopping atomic.Bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

// run is the state of one Start..Stop cycle.
type run struct {
	ln         net.Listener
	acceptDone chan struct{}
	stopWake   chan struct{}

	// recvCtx ends receives that are waiting for a next request; reqCtx ends
	// in-flight requests. Stop cancels both once it gives up waiting, and
	// recvCtx up front with WithCloseIdleOnStop.
	recvCtx    context.Context
	recvCancel context.CancelFunc
	reqCtx     context.Context
	reqCancel  context.CancelFunc
}

// New returns a stopped server.
func New(cfg Config, handler Handler, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.WithDefaults()
	return s
}

// Start binds the listener and begins accepting. Calling Start on a running
// server does nothing. Bind failures are returned and reported to OnError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}

	s.cfg.Session.Codec.Seal()
	ln, err := s.cfg.Session.Listen(s.cfg.Addr)
	if err != nil {
		err = fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
		s.report(err)
		return err
	}

	r := &run{
		ln:         ln,
		acceptDone: make(chan struct{}),
		stopWake:   make(chan struct{}),
	}
	r.recvCtx, r.recvCancel = context.WithCancel(context.Background())
	r.reqCtx, r.reqCancel = context.WithCancel(context.Background())
	s.run = r
	s.stopping.Store(false)
	s.running.Store(true)
	observability.RegisterMetrics()

	go s.acceptLoop(r)
	log.Info().
		Str("server", s.cfg.Name).
		Str("addr", ln.Addr().String()).
		Str("version", s.cfg.Version.String()).
		Str("security", string(s.cfg.Session.Security)).
		Msg("server listening")
	return nil
}

// Stop stops accepting and waits for every open connection to finish: each
// keeps serving requests until its peer closes. Then the listener is closed.
// With timeout > 0, Stop waits at most that long, then force-closes what is
// left and returns ErrStopTimeout. Stopping a stopped server does nothing.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return nil
	}
	r := s.run
	s.stopping.Store(true)
	close(r.stopWake)

	s.wakeAccept(r.ln)
	select {
	case <-r.acceptDone:
	case <-time.After(acceptWakeGrace):
		_ = r.ln.Close()
		<-r.acceptDone
	}

	if s.closeIdle {
		r.recvCancel()
	}
	err := s.drain(timeout)
	_ = r.ln.Close()
	r.recvCancel()
	r.reqCancel()
	if err != nil {
		s.closeAllConns()
		s.report(err)
	}
	s.running.Store(false)
	log.Info().
		Str("server", s.cfg.Name).
		Int64("active", s.active.Load()).
		Err(err).
		Msg("server stopped")
	return err
}

// Running reports whether the server is accepting.
func (s *Server) Running() bool {
	return s.running.Load() && !s.stopping.Load()
}

// Addr is the bound listener address, nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return nil
	}
	return s.run.ln.Addr()
}

// ActiveConnections is the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// wakeAccept unblocks a pending Accept with a throwaway connection.
func (s *Server) wakeAccept(ln net.Listener) {
	addr := ln.Addr().String()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && tcp.IP.IsUnspecified() {
		addr = net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
		if tcp.IP.To4() == nil {
			addr = net.JoinHostPort("::1", fmt.Sprint(tcp.Port))
		}
	}
	nc, err := net.DialTimeout("tcp", addr, acceptWakeGrace)
	if err != nil {
		log.Debug().Str("server", s.cfg.Name).Err(err).Msg("accept wake dial failed")
		return
	}
	_ = nc.Close()
}

func (s *Server) acceptLoop(r *run) {
	defer close(r.acceptDone)
	rng := session.NewBackoffRand()
	failures := 0
	for {
		nc, err := r.ln.Accept()
		if s.stopping.Load() {
			if err == nil {
				_ = nc.Close()
			}
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			s.report(fmt.Errorf("server: accept: %w", err))
			if !sleep(r.stopWake, session.NextBackoffDelay(s.cfg.Session.Backoff, failures, rng)) {
				return
			}
			continue
		}
		failures = 0
		s.track(nc)
		go s.serveConn(r, nc)
	}
}

// sleep waits d unless wake closes first.
func sleep(wake <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-wake:
		return false
	}
}

func (s *Server) serveConn(r *run, nc net.Conn) {
	defer s.untrack(nc)
	remote := nc.RemoteAddr().String()

	conn, err := session.Accept(r.reqCtx, nc, s.cfg.Version, s.cfg.Session)
	if err != nil {
		observability.RecordConnection(s.cfg.Name, observability.OutcomeHandshake)
		s.report(fmt.Errorf("server: handshake with %s: %w", remote, err))
		return
	}
	defer conn.Close()
	observability.RecordConnection(s.cfg.Name, observability.OutcomeHandshakeOK)
	peer := conn.PeerVersion()
	log.Info().
		Str("server", s.cfg.Name).
		Str("session", conn.ID()).
		Str("remote", remote).
		Str("peer_version", peer.String()).
		Int64("active", s.active.Load()).
		Msg("connection opened")
	defer log.Info().
		Str("server", s.cfg.Name).
		Str("session", conn.ID()).
		Str("remote", remote).
		Msg("connection closed")

	for !(s.closeIdle && s.stopping.Load()) {
		req, err := conn.Receive(r.recvCtx)
		switch {
		case err == nil:
			if !s.handle(r.reqCtx, conn, peer, req) {
				return
			}
		case errors.Is(err, session.ErrDecode):
			observability.RecordRequest(s.cfg.Name, observability.OutcomeDecodeErr, 0)
			s.report(fmt.Errorf("server: request from %s: %w", remote, err))
			if !s.replyError(r.reqCtx, conn, err) {
				return
			}
		case errors.Is(err, session.ErrNoMoreData),
			errors.Is(err, session.ErrClosed),
			errors.Is(err, context.Canceled):
			return
		default:
			s.report(fmt.Errorf("server: receive from %s: %w", remote, err))
			return
		}
	}
}

// handle runs one request and writes its response. It returns false when the
// connection can no longer be used.
func (s *Server) handle(ctx context.Context, conn *session.Conn, peer session.Version, req any) bool {
	start := time.Now()
	resp, err := s.invoke(ctx, conn, peer, req)
	if err != nil {
		observability.RecordRequest(s.cfg.Name, observability.OutcomeHandlerErr, time.Since(start))
		s.report(fmt.Errorf("server: handler for %s: %w", conn.RemoteAddr(), err))
		return s.replyError(ctx, conn, err)
	}

	err = conn.Reply(ctx, resp)
	if errors.Is(err, session.ErrEncode) {
		observability.RecordRequest(s.cfg.Name, observability.OutcomeHandlerErr, time.Since(start))
		s.report(fmt.Errorf("server: response for %s: %w", conn.RemoteAddr(), err))
		return s.replyError(ctx, conn, err)
	}
	if err != nil {
		s.report(fmt.Errorf("server: reply to %s: %w", conn.RemoteAddr(), err))
		return false
	}
	observability.RecordRequest(s.cfg.Name, observability.OutcomeOK, time.Since(start))
	return true
}

func (s *Server) invoke(ctx context.Context, conn *session.Conn, peer session.Version, req any) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: handler panic: %v", r)
		}
	}()
	return s.handler.OnRequest(ctx, conn, peer, req)
}

func (s *Server) replyError(ctx context.Context, conn *session.Conn, cause error) bool {
	if err := conn.Reply(ctx, &serial.RemoteError{Message: cause.Error()}); err != nil {
		s.report(fmt.Errorf("server: reply error to %s: %w", conn.RemoteAddr(), err))
		return false
	}
	return true
}

// drain waits for the active counter to reach zero.
func (s *Server) drain(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for s.active.Load() > 0 {
		select {
		case <-ticker.C:
		case <-expired:
			return fmt.Errorf("%w: %d still active after %v", ErrStopTimeout, s.active.Load(), timeout)
		}
	}
	return nil
}

func (s *Server) report(err error) {
	log.Warn().Str("server", s.cfg.Name).Err(err).Msg("server error")
	if s.onError != nil {
		s.onError(err)
	}
}

// Server connection-tracking add operation for coordinated shutdown.
func (s *Server) track(nc net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[nc] = struct{}{}
	observability.SetActiveConnections(s.cfg.Name, s.active.Add(1))
}

// Server connection-tracking remove operation after connection teardown.
func (s *Server) untrack(nc net.Conn) {
	_ = nc.Close()
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, nc)
	observability.SetActiveConnections(s.cfg.Name, s.active.Add(-1))
}

// Server shutdown helper that closes every tracked connection.
func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for nc := range s.conns {
		_ = nc.Close()
	}
}
