package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/fanserial/internal/config"
	"github.com/danmuck/fanserial/internal/library"
	"github.com/danmuck/fanserial/internal/observability"
	"github.com/danmuck/fanserial/internal/serial"
	"github.com/danmuck/fanserial/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "serialsrv: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the library server until ctx is done. ready, when set, is
// called with the bound address once the server accepts connections.
func serve(ctx context.Context, args []string, ready func(net.Addr)) error {
	flags := pflag.NewFlagSet("serialsrv", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "server config file (TOML)")
	addr := flags.String("addr", "", "listen address, overrides the config file")
	metricsAddr := flags.String("metrics-addr", "", "serve /metrics on this address, overrides the config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	settings := config.DefaultServerSettings()
	if path := strings.TrimSpace(*configPath); path != "" {
		loaded, err := config.LoadServerSettings(path)
		if err != nil {
			return err
		}
		settings = loaded
	}
	if flags.Changed("addr") {
		settings.Server.Addr = strings.TrimSpace(*addr)
	}
	if flags.Changed("metrics-addr") {
		settings.MetricsAddr = strings.TrimSpace(*metricsAddr)
	}

	observability.InitLogger("serialsrv")

	codec := serial.Default.With(serial.WithCompressThreshold(settings.CompressThreshold))
	srv := server.New(settings.Server, library.NewHandler(library.New()),
		server.WithCodec(codec),
		server.WithOnError(func(err error) {
			log.Debug().Err(err).Msg("server event")
		}),
	)

	if settings.MetricsAddr != "" {
		ln, err := net.Listen("tcp", settings.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", settings.MetricsAddr, err)
		}
		go func() {
			if err := observability.ServeMetrics(ctx, ln); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	if ready != nil {
		ready(srv.Addr())
	}

	<-ctx.Done()
	log.Info().Dur("timeout", settings.StopTimeout).Msg("shutting down")
	return srv.Stop(settings.StopTimeout)
}
