package server

import (
	"strings"

	"github.com/danmuck/fanserial/internal/protocol/session"
)

// Config is the server endpoint configuration.
type Config struct {
	// Name labels logs and metrics.
	Name    string
	Addr    string
	Version session.Version
	Session session.Config
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "fanserial",
		Addr:    ":7420",
		Version: session.MustParseVersion("1.0.0"),
		Session: session.DefaultConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = d.Addr
	}
	if c.Version == (session.Version{}) {
		c.Version = d.Version
	}
	c.Session = c.Session.WithDefaults()
	return c
}
