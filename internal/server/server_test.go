package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fanserial/internal/protocol/session"
	"github.com/danmuck/fanserial/internal/serial"
	"github.com/danmuck/fanserial/internal/testutil/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.Addr = "127.0.0.1:0"
	cfg.Version = session.MustParseVersion("1.2.0")
	cfg.Session.MaxConnectAttempts = 1
	return cfg
}

func startServer(t *testing.T, cfg Config, h Handler, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, h, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func dial(t *testing.T, s *Server, cfg session.Config) *session.Conn {
	t.Helper()
	c, err := session.Dial(context.Background(), s.Addr().String(), session.MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pingPong(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error) {
	switch req {
	case "PING":
		return "PONG", nil
	case "VERSION?":
		return peer.String(), nil
	}
	return nil, errors.New("unknown command")
}

func TestServerPingPong(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), HandlerFunc(pingPong))
	c := dial(t, s, testConfig().Session)

	resp, err := c.Request(context.Background(), "PING")
	if err != nil || resp != "PONG" {
		t.Fatalf("PING = %#v, %v", resp, err)
	}
	if c.PeerVersion().String() != "1.2.0" {
		t.Fatalf("client peer version = %s", c.PeerVersion())
	}
	resp, err = c.Request(context.Background(), "VERSION?")
	if err != nil || resp != "1.0.0" {
		t.Fatalf("server saw peer version %#v, %v", resp, err)
	}
}

func TestServerStartIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), HandlerFunc(pingPong))
	addr := s.Addr().String()
	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if s.Addr().String() != addr {
		t.Fatalf("second start rebound: %s != %s", s.Addr(), addr)
	}
	if !s.Running() {
		t.Fatalf("server should be running")
	}
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Running() || s.Addr() != nil {
		t.Fatalf("server should be stopped")
	}
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestServerBindFailureReportsError(t *testing.T) {
	testlog.Start(t)
	first := startServer(t, testConfig(), HandlerFunc(pingPong))

	var reported atomic.Int32
	cfg := testConfig()
	cfg.Addr = first.Addr().String()
	second := New(cfg, HandlerFunc(pingPong), WithOnError(func(error) { reported.Add(1) }))
	if err := second.Start(); err == nil {
		_ = second.Stop(time.Second)
		t.Fatalf("expected bind failure")
	}
	if reported.Load() != 1 {
		t.Fatalf("onError called %d times, want 1", reported.Load())
	}
	if second.Running() {
		t.Fatalf("server running after bind failure")
	}
}

func TestServerHandlerErrorBecomesRemoteError(t *testing.T) {
	testlog.Start(t)
	errs := make(chan error, 4)
	s := startServer(t, testConfig(), HandlerFunc(pingPong), WithOnError(func(err error) { errs <- err }))
	c := dial(t, s, testConfig().Session)

	_, err := c.Request(context.Background(), "DANCE")
	var remote *serial.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "unknown command") {
		t.Fatalf("expected remote error, got %v", err)
	}
	select {
	case got := <-errs:
		if !strings.Contains(got.Error(), "unknown command") {
			t.Fatalf("reported error = %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("onError not called")
	}
	if resp, err := c.Request(context.Background(), "PING"); err != nil || resp != "PONG" {
		t.Fatalf("connection unusable after handler error: %v %v", resp, err)
	}
}

func TestServerRecoversHandlerPanic(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(context.Context, *session.Conn, session.Version, any) (any, error) {
		panic("boom")
	})
	s := startServer(t, testConfig(), h)
	c := dial(t, s, testConfig().Session)

	_, err := c.Request(context.Background(), "x")
	var remote *serial.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "boom") {
		t.Fatalf("expected remote error, got %v", err)
	}
}

type secret struct{ Code string }

func TestServerAnswersUndecodableRequest(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), HandlerFunc(pingPong))

	types := serial.NewTypes()
	if err := serial.Register(types, "test.Secret",
		serial.Value("code", func(s *secret) string { return s.Code }, func(s *secret, v string) { s.Code = v }),
	); err != nil {
		t.Fatalf("register: %v", err)
	}
	clientCfg := testConfig().Session
	clientCfg.Codec = serial.NewCodec(types, serial.NewCustomRegistry())
	c := dial(t, s, clientCfg)

	_, err := c.Request(context.Background(), &secret{Code: "42"})
	var remote *serial.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "unknown type") {
		t.Fatalf("expected unknown type remote error, got %v", err)
	}
}

func TestServerUnencodableResponse(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(context.Context, *session.Conn, session.Version, any) (any, error) {
		return struct{ A int }{1}, nil
	})
	s := startServer(t, testConfig(), h)
	c := dial(t, s, testConfig().Session)

	_, err := c.Request(context.Background(), "x")
	var remote *serial.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "not serializable") {
		t.Fatalf("expected not serializable remote error, got %v", err)
	}
}

func TestServerStopDrainsSlowHandlers(t *testing.T) {
	testlog.Start(t)
	const k = 3
	var (
		entered  sync.WaitGroup
		finished atomic.Int32
	)
	entered.Add(k)
	h := HandlerFunc(func(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error) {
		entered.Done()
		time.Sleep(300 * time.Millisecond)
		finished.Add(1)
		return "done", nil
	})
	s := startServer(t, testConfig(), h)
	addr := s.Addr().String()

	replies := make(chan error, k)
	for i := 0; i < k; i++ {
		c := dial(t, s, testConfig().Session)
		go func() {
			resp, err := c.Request(context.Background(), "work")
			if err == nil && resp != "done" {
				err = errors.New("unexpected reply")
			}
			_ = c.Close()
			replies <- err
		}()
	}
	entered.Wait()
	if got := s.ActiveConnections(); got != k {
		t.Fatalf("active connections = %d, want %d", got, k)
	}

	if err := s.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := finished.Load(); got != k {
		t.Fatalf("stop returned with %d of %d handlers finished", got, k)
	}
	for i := 0; i < k; i++ {
		if err := <-replies; err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
	}
	if s.ActiveConnections() != 0 {
		t.Fatalf("active connections after stop = %d", s.ActiveConnections())
	}
	cfg := testConfig().Session
	if _, err := session.Dial(context.Background(), addr, session.MustParseVersion("1.0.0"), cfg); err == nil {
		t.Fatalf("listener still accepting after stop")
	}
}

func TestServerStopWaitsForOpenConversation(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), HandlerFunc(pingPong))
	addr := s.Addr().String()
	c := dial(t, s, testConfig().Session)
	if _, err := c.Request(context.Background(), "PING"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(3 * time.Second) }()
	deadline := time.Now().Add(time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("server still running after stop began")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	resp, err := c.Request(context.Background(), "PING")
	if err != nil || resp != "PONG" {
		t.Fatalf("second request during stop = %#v, %v", resp, err)
	}
	select {
	case err := <-stopped:
		t.Fatalf("stop returned %v while a conversation was open", err)
	default:
	}

	_ = c.Close()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return after the peer closed")
	}
	if _, err := session.Dial(context.Background(), addr, session.MustParseVersion("1.0.0"), testConfig().Session); err == nil {
		t.Fatalf("listener still accepting after stop")
	}
}

func TestServerCloseIdleOnStop(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), HandlerFunc(pingPong), WithCloseIdleOnStop())
	c := dial(t, s, testConfig().Session)
	if _, err := c.Request(context.Background(), "PING"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	start := time.Now()
	if err := s.Stop(0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("stop waited on an idle connection")
	}
	if _, err := c.Request(context.Background(), "PING"); err == nil {
		t.Fatalf("idle connection survived stop")
	}
}

func TestServerStopTimeout(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var reported atomic.Int32
	s := startServer(t, testConfig(), h, WithOnError(func(err error) {
		if errors.Is(err, ErrStopTimeout) {
			reported.Add(1)
		}
	}))
	c := dial(t, s, testConfig().Session)

	replied := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "hang")
		replied <- err
	}()
	<-entered

	if err := s.Stop(100 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if reported.Load() != 1 {
		t.Fatalf("stop timeout not reported")
	}
	select {
	case err := <-replied:
		if err == nil {
			t.Fatalf("expected request to fail after forced stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client still blocked after forced stop")
	}
}

func TestServerRestart(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), HandlerFunc(pingPong))
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c := dial(t, s, testConfig().Session)
	if resp, err := c.Request(context.Background(), "PING"); err != nil || resp != "PONG" {
		t.Fatalf("ping after restart = %#v, %v", resp, err)
	}
}

func TestServerAnonymousTLS(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Session.Security = session.SecurityModeAnonymous
	s := startServer(t, cfg, HandlerFunc(pingPong))

	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	c := dial(t, s, cfg.Session)
	if resp, err := c.Request(context.Background(), "PING"); err != nil || resp != "PONG" {
		t.Fatalf("PING over tls = %#v, %v", resp, err)
	}

	plain := testConfig().Session
	if _, err := session.Dial(context.Background(), s.Addr().String(), session.MustParseVersion("1.0.0"), plain); err == nil {
		t.Fatalf("plain client should not complete a handshake with a tls server")
	}
	_ = c.Close()
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop tls server: %v", err)
	}
}
