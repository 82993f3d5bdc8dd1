package session

import (
	"time"

	"github.com/danmuck/fanserial/internal/serial"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// SecurityMode selects the transport wrapping of a connection.
type SecurityMode string

const (
	// SecurityModePlain is bare TCP.
	SecurityModePlain SecurityMode = "plain"
	// SecurityModeAnonymous is TLS with a throwaway server certificate that
	// clients do not verify: encrypted, not authenticated.
	SecurityModeAnonymous SecurityMode = "anonymous"
	// SecurityModeVerified is TLS with configured certificates checked
	// against a CA, optionally mutual.
	SecurityModeVerified SecurityMode = "verified"
)

// TLSConfig names the certificate material for SecurityModeVerified.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	Mutual     bool
}

// Config defines transport/session defaults shared by both roles.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the wait for a reply in Request. Negative
	// disables it.
	ReadTimeout time.Duration
	// IdleTimeout bounds the wait for the next request in Receive. 0 waits
	// until the peer closes.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	MaxMessageBytes    int
	MaxConnectAttempts int
	Backoff            BackoffConfig

	Security SecurityMode
	TLS      TLSConfig

	// Codec encodes payloads. nil means serial.Default.
	Codec *serial.Codec
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		ReadTimeout:        30 * time.Second,
		IdleTimeout:        0,
		WriteTimeout:       15 * time.Second,
		MaxMessageBytes:    8 << 20,
		MaxConnectAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Security: SecurityModePlain,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	c.Security = NormalizeSecurityMode(c.Security)
	if c.Codec == nil {
		c.Codec = serial.Default
	}
	return c
}
