package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const versionPrefix = "VERSION "

func versionLine(v Version) string {
	return versionPrefix + v.String()
}

func parseVersionLine(line string) (Version, error) {
	raw, ok := strings.CutPrefix(line, versionPrefix)
	if !ok {
		return Version{}, fmt.Errorf("%w: expected version line, got %.40q", ErrHandshake, line)
	}
	v, err := ParseVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return v, nil
}

// Accept runs the responder side of the handshake on a freshly accepted
// socket: read the peer's version line, answer with local. On failure nc is
// closed.
func Accept(ctx context.Context, nc net.Conn, local Version, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	c := newConn(nc, RoleResponder, local, cfg)

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := c.readLine(hctx, 0)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: read version: %v", ErrHandshake, err)
	}
	peer, err := parseVersionLine(line)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.writeLine(hctx, versionLine(local)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: write version: %v", ErrHandshake, err)
	}
	c.peer = peer
	_ = nc.SetDeadline(time.Time{})
	log.Debug().
		Str("session", c.id).
		Str("remote", nc.RemoteAddr().String()).
		Str("peer_version", peer.String()).
		Msg("session accepted")
	return c, nil
}

// initiate runs the initiator side: send local, read the peer's version.
func (c *Conn) initiate(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(hctx, versionLine(c.local)); err != nil {
		return fmt.Errorf("%w: write version: %v", ErrHandshake, err)
	}
	line, err := c.readLine(hctx, 0)
	if err != nil {
		return fmt.Errorf("%w: read version: %v", ErrHandshake, err)
	}
	peer, err := parseVersionLine(line)
	if err != nil {
		return err
	}
	c.peer = peer
	_ = c.nc.SetDeadline(time.Time{})
	return nil
}
