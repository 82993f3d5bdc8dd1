package session

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/fanserial/internal/serial"
	"github.com/danmuck/fanserial/internal/testutil/testlog"
	"github.com/danmuck/fanserial/internal/testutil/tlstest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 1
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

// serve runs handle for every handshaken connection on a loopback listener.
func serve(t *testing.T, cfg Config, local Version, handle func(*Conn)) string {
	t.Helper()
	ln, err := cfg.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				c, err := Accept(context.Background(), nc, local, cfg)
				if err != nil {
					return
				}
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln.Addr().String()
}

// echo replies with every request, or a RemoteError for "FAIL".
func echo(c *Conn) {
	ctx := context.Background()
	for {
		req, err := c.Receive(ctx)
		if err != nil {
			return
		}
		if req == "FAIL" {
			req = &serial.RemoteError{Message: "asked to fail"}
		}
		if err := c.Reply(ctx, req); err != nil {
			return
		}
	}
}

func TestHandshakeExchangesVersions(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	serverSaw := make(chan Version, 1)
	addr := serve(t, cfg, MustParseVersion("1.2.0"), func(c *Conn) {
		serverSaw <- c.PeerVersion()
		echo(c)
	})

	var clientSaw Version
	err := Connect(context.Background(), addr, MustParseVersion("1.0.0"), cfg,
		func(ctx context.Context, c *Conn, peer Version) error {
			clientSaw = peer
			resp, err := c.Request(ctx, "PING")
			if err != nil {
				return err
			}
			if resp != "PING" {
				t.Errorf("echo = %#v", resp)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if clientSaw.String() != "1.2.0" {
		t.Fatalf("client saw peer %s, want 1.2.0", clientSaw)
	}
	select {
	case v := <-serverSaw:
		if v.String() != "1.0.0" {
			t.Fatalf("server saw peer %s, want 1.0.0", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server handler never ran")
	}
}

func TestRequestsAreOrderedOnOneConnection(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	addr := serve(t, cfg, MustParseVersion("1.0.0"), echo)

	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	done := make(chan error, 4)
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := 0; i < 25; i++ {
				want := []any{int64(g), int64(i), strings.Repeat("x", i)}
				got, err := c.Request(context.Background(), want)
				if err != nil {
					done <- err
					return
				}
				list, ok := got.([]any)
				if !ok || len(list) != 3 || list[0] != want[0] || list[1] != want[1] || list[2] != want[2] {
					done <- errors.New("reply does not match its request")
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 4; g++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent requests: %v", err)
		}
	}
}

func TestRequestReturnsRemoteError(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	addr := serve(t, cfg, MustParseVersion("1.0.0"), echo)

	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Request(context.Background(), "FAIL")
	var remote *serial.RemoteError
	if !errors.As(err, &remote) || remote.Message != "asked to fail" {
		t.Fatalf("expected remote error, got %v", err)
	}
	if resp, err := c.Request(context.Background(), "again"); err != nil || resp != "again" {
		t.Fatalf("connection unusable after remote error: %v %v", resp, err)
	}
}

func TestReceiveReportsNoMoreData(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	got := make(chan error, 1)
	addr := serve(t, cfg, MustParseVersion("1.0.0"), func(c *Conn) {
		_, err := c.Receive(context.Background())
		got <- err
	})

	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()

	select {
	case err := <-got:
		if !errors.Is(err, ErrNoMoreData) {
			t.Fatalf("expected ErrNoMoreData, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive did not return")
	}
}

func TestRequestReportsPeerDisconnected(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	addr := serve(t, cfg, MustParseVersion("1.0.0"), func(c *Conn) {
		_, _ = c.Receive(context.Background())
	})

	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Request(context.Background(), "hello"); !errors.Is(err, ErrPeerDisconnected) {
		t.Fatalf("expected ErrPeerDisconnected, got %v", err)
	}
}

func TestRequestHonorsContext(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	release := make(chan struct{})
	defer close(release)
	addr := serve(t, cfg, MustParseVersion("1.0.0"), func(c *Conn) {
		_, _ = c.Receive(context.Background())
		<-release
	})

	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Request(ctx, "stall")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("request ignored its context")
	}
	if !c.Closed() {
		t.Fatalf("canceled connection should be closed")
	}
}

func TestAcceptRejectsMissingVersionLine(t *testing.T) {
	testlog.Start(t)
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("HELLO there\n"))
	}()
	_, err := Accept(context.Background(), server, MustParseVersion("1.0.0"), testConfig())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestDialRejectsNonProtocolServer(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		_, _ = nc.Write([]byte("220 smtp ready\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	cfg := testConfig()
	cfg.MaxConnectAttempts = 5
	if _, err := Dial(context.Background(), ln.Addr().String(), MustParseVersion("1.0.0"), cfg); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestDialRetriesThenFails(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := testConfig()
	cfg.MaxConnectAttempts = 3
	start := time.Now()
	if _, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg); err == nil {
		t.Fatalf("expected dial failure")
	}
	// Two backoff sleeps: 10ms then 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("dial returned after %v, expected backoff between attempts", elapsed)
	}
}

func TestMessageTooLarge(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxMessageBytes = 64
	addr := serve(t, cfg, MustParseVersion("1.0.0"), echo)

	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Request(context.Background(), strings.Repeat("y", 200)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestAnonymousTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Security = SecurityModeAnonymous
	addr := serve(t, cfg, MustParseVersion("2.0.0"), echo)

	err := Connect(context.Background(), addr, MustParseVersion("2.0.1"), cfg,
		func(ctx context.Context, c *Conn, peer Version) error {
			if peer.String() != "2.0.0" {
				t.Errorf("peer = %s", peer)
			}
			resp, err := c.Request(ctx, "secret")
			if err != nil {
				return err
			}
			if resp != "secret" {
				t.Errorf("resp = %#v", resp)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("connect over anonymous tls: %v", err)
	}
}

func TestVerifiedMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "fanserial-test-ca")
	serverCert, serverKey := ca.IssueLoopbackServerCert(t, dir)
	clientCert, clientKey := ca.IssueClientCert(t, dir, "reader-client")

	serverCfg := testConfig()
	serverCfg.Security = SecurityModeVerified
	serverCfg.TLS = TLSConfig{CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile(), Mutual: true}
	addr := serve(t, serverCfg, MustParseVersion("1.0.0"), echo)

	clientCfg := testConfig()
	clientCfg.Security = SecurityModeVerified
	clientCfg.TLS = TLSConfig{CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile(), Mutual: true}
	c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), clientCfg)
	if err != nil {
		t.Fatalf("dial verified: %v", err)
	}
	defer c.Close()
	if resp, err := c.Request(context.Background(), int64(7)); err != nil || resp != int64(7) {
		t.Fatalf("request = %#v, %v", resp, err)
	}

	// Anonymous clients cannot satisfy a mutual-TLS server.
	anonCfg := testConfig()
	anonCfg.Security = SecurityModeAnonymous
	if c, err := Dial(context.Background(), addr, MustParseVersion("1.0.0"), anonCfg); err == nil {
		_, err = c.Request(context.Background(), "x")
		_ = c.Close()
		if err == nil {
			t.Fatalf("expected anonymous client to be rejected")
		}
	}
}

func TestTransportValidation(t *testing.T) {
	testlog.Start(t)
	missing := "missing.pem"

	cases := []struct {
		name   string
		cfg    Config
		server error
		client error
	}{
		{"default plain", Config{}, nil, nil},
		{"mixed case", Config{Security: " Anonymous "}, nil, nil},
		{"unknown mode", Config{Security: "open"}, ErrInvalidSecurityMode, ErrInvalidSecurityMode},
		{"mutual without tls", Config{TLS: TLSConfig{Mutual: true}}, ErrMTLSRequiresTLS, ErrMTLSRequiresTLS},
		{"verified no files", Config{Security: SecurityModeVerified}, ErrTLSCertFileRequired, ErrTLSCAFileRequired},
		{"verified no key", Config{Security: SecurityModeVerified, TLS: TLSConfig{CertFile: missing, CAFile: missing}}, ErrTLSKeyFileRequired, nil},
		{"mutual client no cert", Config{Security: SecurityModeVerified, TLS: TLSConfig{CAFile: missing, Mutual: true}}, ErrTLSCertFileRequired, ErrTLSCertFileRequired},
		{"mutual server no ca", Config{Security: SecurityModeVerified, TLS: TLSConfig{CertFile: missing, KeyFile: missing, Mutual: true}}, ErrTLSCAFileRequired, ErrTLSCAFileRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.ValidateServerTransport(); !errors.Is(err, tc.server) {
				t.Fatalf("server: expected %v, got %v", tc.server, err)
			}
			if err := tc.cfg.ValidateClientTransport(); !errors.Is(err, tc.client) {
				t.Fatalf("client: expected %v, got %v", tc.client, err)
			}
		})
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterStaysUnderMax(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   3.0,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
	rng := NewBackoffRand()
	for attempt := 2; attempt < 20; attempt++ {
		if got := NextBackoffDelay(cfg, attempt, rng); got <= 0 || got > cfg.MaxDelay {
			t.Fatalf("attempt%d got=%v, want (0, %v]", attempt, got, cfg.MaxDelay)
		}
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 150*time.Millisecond {
		t.Fatalf("nil rng attempt2 got=%v", got)
	}
}
