package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fanserial/internal/observability"
	"github.com/danmuck/fanserial/internal/serial"
)

var (
	// ErrNoMoreData is returned by Receive when the peer closed the
	// connection between messages: the normal end of a conversation.
	ErrNoMoreData = errors.New("session: no more data")
	// ErrPeerDisconnected is returned when the peer went away in the middle
	// of an exchange.
	ErrPeerDisconnected = errors.New("session: peer disconnected")
	ErrHandshake        = errors.New("session: handshake failed")
	ErrMessageTooLarge  = errors.New("session: message too large")
	ErrClosed           = errors.New("session: connection closed")
	// ErrDecode marks a message that arrived intact but could not be
	// imported. The connection stays usable.
	ErrDecode = errors.New("session: undecodable message")
	// ErrEncode marks a value that could not be exported. Nothing was
	// written.
	ErrEncode = errors.New("session: unencodable value")
)

// Role is the side of the conversation a Conn plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// past forces a blocked socket call to return immediately.
var past = time.Unix(1, 0)

// Conn is one handshaken protocol connection. All reads and writes happen
// under mu, so a Request's write and its reply read are never interleaved
// with another caller's traffic.
type Conn struct {
	id    string
	role  Role
	nc    net.Conn
	r     *bufio.Reader
	cfg   Config
	local Version
	peer  Version

	mu     sync.Mutex
	closed atomic.Bool
}

func newConn(nc net.Conn, role Role, local Version, cfg Config) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		role:  role,
		nc:    nc,
		r:     bufio.NewReaderSize(nc, 64<<10),
		cfg:   cfg,
		local: local,
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) Role() Role            { return c.role }
func (c *Conn) LocalVersion() Version { return c.local }
func (c *Conn) RemoteAddr() net.Addr  { return c.nc.RemoteAddr() }
func (c *Conn) Codec() *serial.Codec  { return c.cfg.Codec }
func (c *Conn) Closed() bool          { return c.closed.Load() }

// PeerVersion is the version the peer announced in the handshake.
func (c *Conn) PeerVersion() Version { return c.peer }

// Close closes the socket. It does not wait for an in-flight exchange.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

// Receive blocks for the next request. It returns ErrNoMoreData when the peer
// closed cleanly, and ErrDecode wrapping the codec error for a message that
// arrived but could not be imported.
func (c *Conn) Receive(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := c.readLine(ctx, c.cfg.IdleTimeout)
	if err != nil {
		return nil, c.classify(err, ErrNoMoreData)
	}
	v, err := c.cfg.Codec.Import(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return v, nil
}

// Reply writes one response.
func (c *Conn) Reply(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := c.cfg.Codec.MarshalLine(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return c.classify(c.writeLine(ctx, line), ErrPeerDisconnected)
}

// Request writes v and blocks for exactly one reply. A *serial.RemoteError
// reply is returned as the error.
func (c *Conn) Request(ctx context.Context, v any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.cfg.Codec.MarshalLine(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := c.writeLine(ctx, out); err != nil {
		return nil, c.classify(err, ErrPeerDisconnected)
	}
	in, err := c.readLine(ctx, c.cfg.ReadTimeout)
	if err != nil {
		return nil, c.classify(err, ErrPeerDisconnected)
	}
	resp, err := c.cfg.Codec.Import(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if remote, ok := resp.(*serial.RemoteError); ok {
		return nil, remote
	}
	return resp, nil
}

// readLine reads one newline-terminated message without the terminator.
func (c *Conn) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.nc.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return "", err
	}
	done := c.watch(ctx)
	line, err := c.scanLine()
	if err = done(err); err != nil {
		// A failed read leaves the stream mid-message.
		if !errors.Is(err, io.EOF) {
			_ = c.Close()
		}
		return "", err
	}
	observability.RecordMessage(c.role.String(), "in", len(line))
	return line, nil
}

func (c *Conn) scanLine() (string, error) {
	limit := c.cfg.MaxMessageBytes
	var buf []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if limit > 0 && len(buf)+len(chunk) > limit+1 {
			return "", fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, limit)
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			n := len(buf) - 1
			if n > 0 && buf[n-1] == '\r' {
				n--
			}
			return string(buf[:n]), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

func (c *Conn) writeLine(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cfg.MaxMessageBytes > 0 && len(line) > c.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(line))
	}
	if err := c.nc.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return err
	}
	done := c.watch(ctx)
	_, err := io.WriteString(c.nc, line+"\n")
	if err = done(err); err != nil {
		_ = c.Close()
		return err
	}
	observability.RecordMessage(c.role.String(), "out", len(line))
	return nil
}

// watch unblocks the socket when ctx ends. The returned func disarms it and
// takes the operation's error; if ctx ended first its error wins. Once the
// watch has fired the socket deadline is no longer ours, so the connection
// is closed.
func (c *Conn) watch(ctx context.Context) func(error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(past)
	})
	return func(opErr error) error {
		fired := !stop()
		ctxErr := ctx.Err()
		if ctxErr == nil && errors.Is(opErr, os.ErrDeadlineExceeded) {
			// The socket deadline was ctx's and beat ctx's own timer.
			if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
				ctxErr = context.DeadlineExceeded
			}
		}
		if ctxErr == nil || (!fired && opErr == nil) {
			return opErr
		}
		log.Debug().Str("session", c.id).Err(ctxErr).Msg("session call canceled")
		_ = c.Close()
		return ctxErr
	}
}

// classify maps transport errors onto the protocol sentinels. eof is what a
// clean close between messages means for the caller.
func (c *Conn) classify(err error, eof error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return eof
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	case errors.Is(err, net.ErrClosed) && c.closed.Load():
		return ErrClosed
	}
	return err
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var t time.Time
	if timeout > 0 {
		t = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (t.IsZero() || dl.Before(t)) {
		t = dl
	}
	return t
}
