package session

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// ActionFunc is the initiator's conversation: any number of Requests on conn.
type ActionFunc func(ctx context.Context, conn *Conn, peer Version) error

// Dial connects to addr and runs the initiator handshake. Transport failures
// are retried with backoff up to cfg.MaxConnectAttempts (0 retries until ctx
// ends). A handshake rejection is not retried.
func Dial(ctx context.Context, addr string, local Version, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	rng := NewBackoffRand()

	for attempt := 1; ; attempt++ {
		c, err := dialOnce(ctx, addr, local, cfg)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrHandshake) || ctx.Err() != nil || !shouldRetry(cfg, attempt) {
			return nil, err
		}
		log.Debug().Str("addr", addr).Int("attempt", attempt).Err(err).Msg("session dial retry")
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// Connect dials addr, hands the connection to action, and closes it.
func Connect(ctx context.Context, addr string, local Version, cfg Config, action ActionFunc) error {
	c, err := Dial(ctx, addr, local, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return action(ctx, c, c.PeerVersion())
}

func dialOnce(ctx context.Context, addr string, local Version, cfg Config) (*Conn, error) {
	nc, err := dialTransport(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	c := newConn(nc, RoleInitiator, local, cfg)
	if err := c.initiate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	log.Debug().
		Str("session", c.id).
		Str("remote", addr).
		Str("peer_version", c.peer.String()).
		Msg("session established")
	return c, nil
}

func dialTransport(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if NormalizeSecurityMode(cfg.Security) == SecurityModePlain {
		return rawConn, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func shouldRetry(cfg Config, attempt int) bool {
	if cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.MaxConnectAttempts
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
