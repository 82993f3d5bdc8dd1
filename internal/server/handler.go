package server

import (
	"context"

	"github.com/danmuck/fanserial/internal/protocol/session"
)

// Handler answers requests. OnRequest runs once per inbound request on the
// connection's own goroutine; a returned error is sent back to the client
// as a serial.RemoteError.
type Handler interface {
	OnRequest(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error)

func (f HandlerFunc) OnRequest(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error) {
	return f(ctx, conn, peer, req)
}
