package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/fanserial/internal/protocol/session"
)

var ErrUnsupportedRequest = errors.New("library: unsupported request")

// Commands understood by Handler when the request is a string.
const (
	CmdPing   = "PING"
	CmdList   = "LIST"
	CmdGet    = "GET"
	CmdDelete = "DELETE"
)

// Handler serves a Library:
//
//	"PING"          -> "PONG"
//	"LIST"          -> list of *MetaData
//	"GET <luid>"    -> *Story
//	"DELETE <luid>" -> bool
//	*Story          -> luid of the stored story
//	*Progress       -> completed fraction as float64
type Handler struct {
	lib *Library
}

func NewHandler(lib *Library) *Handler {
	return &Handler{lib: lib}
}

func (h *Handler) OnRequest(ctx context.Context, conn *session.Conn, peer session.Version, req any) (any, error) {
	switch v := req.(type) {
	case string:
		return h.command(v)
	case *Story:
		luid, err := h.lib.Put(v)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("peer_version", peer.String()).
			Str("luid", luid).
			Str("title", v.Meta.Title).
			Int("chapters", len(v.Chapters)).
			Msg("story stored")
		return luid, nil
	case *Progress:
		return v.Fraction(), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedRequest, req)
}

func (h *Handler) command(line string) (any, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToUpper(name) {
	case CmdPing:
		return "PONG", nil
	case CmdList:
		metas := h.lib.List()
		out := make([]any, len(metas))
		for i, m := range metas {
			out[i] = m
		}
		return out, nil
	case CmdGet:
		if arg == "" {
			return nil, fmt.Errorf("%w: GET needs a luid", ErrUnsupportedRequest)
		}
		return h.lib.Get(arg)
	case CmdDelete:
		if arg == "" {
			return nil, fmt.Errorf("%w: DELETE needs a luid", ErrUnsupportedRequest)
		}
		return h.lib.Delete(arg), nil
	}
	return nil, fmt.Errorf("%w: command %q", ErrUnsupportedRequest, name)
}
