package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/danmuck/fanserial/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := flags.StringP("kind", "k", "server", "config kind: server|client")
	output := flags.StringP("output", "o", "", "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing config file")
	input := flags.StringP("input", "i", "", "config path for validation (defaults to <kind>.toml)")
	force := flags.Bool("force", false, "overwrite existing config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if _, err := config.Template(*kind); err != nil {
		return err
	}
	*kind = strings.ToLower(strings.TrimSpace(*kind))

	if *validate {
		path := *input
		if path == "" {
			path = *kind + ".toml"
		}
		var err error
		switch *kind {
		case "server":
			_, err = config.LoadServerSettings(path)
		case "client":
			_, err = config.LoadClientSettings(path)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "validated %s config at %s\n", *kind, path)
		return nil
	}

	target := *output
	if target == "" {
		target = *kind + ".toml"
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s config template to %s\n", *kind, target)
	return nil
}
