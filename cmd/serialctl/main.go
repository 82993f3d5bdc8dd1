package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/danmuck/fanserial/internal/config"
	"github.com/danmuck/fanserial/internal/library"
	"github.com/danmuck/fanserial/internal/observability"
	"github.com/danmuck/fanserial/internal/protocol/session"
	"github.com/danmuck/fanserial/internal/serial"
)

const usage = `usage: serialctl [flags] <command> [args]

commands:
  ping                           check the server answers
  list                           list stored stories
  get <luid>                     show one story
  delete <luid>                  remove a story
  put <title> [chapter ...]      store a new story
  progress <done>/<total> ...    ask the server to fold a progress tree
`

var errUsage = errors.New("serialctl: bad usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "serialctl: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("serialctl", pflag.ContinueOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage); flags.PrintDefaults() }
	configPath := flags.StringP("config", "c", "", "client config file (TOML)")
	addr := flags.String("addr", "", "server address, overrides the config file")
	security := flags.String("security", "", "transport security: plain|anonymous|verified")
	raw := flags.Bool("raw", false, "print responses as wire envelopes")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return errUsage
	}

	settings := config.DefaultClientSettings()
	if path := strings.TrimSpace(*configPath); path != "" {
		loaded, err := config.LoadClientSettings(path)
		if err != nil {
			return err
		}
		settings = loaded
	}
	if flags.Changed("addr") {
		settings.Addr = strings.TrimSpace(*addr)
	}
	if flags.Changed("security") {
		settings.Session.Security = session.NormalizeSecurityMode(session.SecurityMode(*security))
	}

	observability.InitLogger("serialctl")

	req, err := buildRequest(rest)
	if err != nil {
		return err
	}

	codec := serial.Default.With(serial.WithCompressThreshold(settings.CompressThreshold))
	settings.Session.Codec = codec
	return session.Connect(ctx, settings.Addr, settings.Version, settings.Session,
		func(ctx context.Context, conn *session.Conn, peer session.Version) error {
			if settings.RequestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, settings.RequestTimeout)
				defer cancel()
			}
			resp, err := conn.Request(ctx, req)
			if err != nil {
				return err
			}
			if *raw {
				text, err := codec.Export(resp)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, text)
				return err
			}
			return render(out, rest[0], resp)
		})
}

// buildRequest maps a command line onto the value sent to the server.
func buildRequest(args []string) (any, error) {
	cmd, params := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "ping", "list":
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", errUsage, cmd)
		}
		return strings.ToUpper(cmd), nil
	case "get", "delete":
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: %s needs exactly one luid", errUsage, cmd)
		}
		return strings.ToUpper(cmd) + " " + params[0], nil
	case "put":
		if len(params) == 0 {
			return nil, fmt.Errorf("%w: put needs a title", errUsage)
		}
		story := &library.Story{Meta: &library.MetaData{Title: params[0]}}
		for _, name := range params[1:] {
			story.AddChapter(&library.Chapter{Name: name})
		}
		return story, nil
	case "progress":
		if len(params) == 0 {
			return nil, fmt.Errorf("%w: progress needs at least one <done>/<total>", errUsage)
		}
		var root *library.Progress
		for i, p := range params {
			node, err := parseProgress(p)
			if err != nil {
				return nil, err
			}
			node.Name = "step-" + strconv.Itoa(i)
			if root == nil {
				root = node
				continue
			}
			root.AddChild(node)
		}
		return root, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func parseProgress(s string) (*library.Progress, error) {
	doneRaw, totalRaw, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("%w: progress %q is not <done>/<total>", errUsage, s)
	}
	done, err := strconv.Atoi(strings.TrimSpace(doneRaw))
	if err != nil {
		return nil, fmt.Errorf("%w: progress %q: %v", errUsage, s, err)
	}
	total, err := strconv.Atoi(strings.TrimSpace(totalRaw))
	if err != nil {
		return nil, fmt.Errorf("%w: progress %q: %v", errUsage, s, err)
	}
	return &library.Progress{Done: done, Total: total}, nil
}

func render(out io.Writer, cmd string, resp any) error {
	switch v := resp.(type) {
	case nil:
		_, err := fmt.Fprintln(out, "(nil)")
		return err
	case []any:
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LUID\tTITLE\tAUTHOR\tWORDS")
		for _, item := range v {
			m, ok := item.(*library.MetaData)
			if !ok {
				return fmt.Errorf("unexpected list item %T", item)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", m.Luid, m.Title, m.Author, m.Words)
		}
		return tw.Flush()
	case *library.Story:
		return renderStory(out, v)
	case bool:
		if strings.EqualFold(cmd, "delete") {
			if v {
				_, err := fmt.Fprintln(out, "deleted")
				return err
			}
			_, err := fmt.Fprintln(out, "not found")
			return err
		}
		_, err := fmt.Fprintln(out, v)
		return err
	case float64:
		_, err := fmt.Fprintf(out, "%.1f%%\n", v*100)
		return err
	}
	_, err := fmt.Fprintln(out, resp)
	return err
}

func renderStory(out io.Writer, s *library.Story) error {
	if s.Meta != nil {
		fmt.Fprintf(out, "%s (%s)\n", s.Meta.Title, s.Meta.Luid)
		if s.Meta.Author != "" {
			fmt.Fprintf(out, "author: %s\n", s.Meta.Author)
		}
		fmt.Fprintf(out, "words: %d\n", s.Meta.Words)
	}
	for i, c := range s.Chapters {
		if _, err := fmt.Fprintf(out, "  %d. %s\n", i+1, c.Name); err != nil {
			return err
		}
	}
	return nil
}
