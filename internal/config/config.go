package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/fanserial/internal/protocol/session"
	"github.com/danmuck/fanserial/internal/serial"
	"github.com/danmuck/fanserial/internal/server"
)

// ServerSettings is everything serialsrv reads from its config file.
type ServerSettings struct {
	Server            server.Config
	StopTimeout       time.Duration
	CompressThreshold int
	MetricsAddr       string
}

// ClientSettings is everything serialctl reads from its config file.
type ClientSettings struct {
	Addr              string
	Version           session.Version
	RequestTimeout    time.Duration
	CompressThreshold int
	Session           session.Config
}

func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		Server:            server.DefaultConfig(),
		StopTimeout:       10 * time.Second,
		CompressThreshold: serial.DefaultCompressThreshold,
	}
}

func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		Addr:              "127.0.0.1:7420",
		Version:           session.MustParseVersion("1.0.0"),
		RequestTimeout:    30 * time.Second,
		CompressThreshold: serial.DefaultCompressThreshold,
		Session:           session.DefaultConfig(),
	}
}

// sessionFile is the session_* key block shared by both roles.
type sessionFile struct {
	ConnectTimeout     string `toml:"session_connect_timeout"`
	HandshakeTimeout   string `toml:"session_handshake_timeout"`
	ReadTimeout        string `toml:"session_read_timeout"`
	IdleTimeout        string `toml:"session_idle_timeout"`
	WriteTimeout       string `toml:"session_write_timeout"`
	MaxMessageBytes    int    `toml:"session_max_message_bytes"`
	MaxConnectAttempts int    `toml:"session_max_connect_attempts"`
	SecurityMode       string `toml:"session_security_mode"`
	TLSMutual          bool   `toml:"session_tls_mutual"`
	TLSCertFile        string `toml:"session_tls_cert_file"`
	TLSKeyFile         string `toml:"session_tls_key_file"`
	TLSCAFile          string `toml:"session_tls_ca_file"`
	TLSServerName      string `toml:"session_tls_server_name"`
}

// serialsrv config.toml key mapping.
type serverFile struct {
	Name              string `toml:"name"`
	Addr              string `toml:"addr"`
	Version           string `toml:"version"`
	StopTimeout       string `toml:"stop_timeout"`
	CompressThreshold int    `toml:"compress_threshold"`
	MetricsAddr       string `toml:"metrics_addr"`
	sessionFile
}

// serialctl config.toml key mapping.
type clientFile struct {
	Addr              string `toml:"addr"`
	Version           string `toml:"version"`
	RequestTimeout    string `toml:"request_timeout"`
	CompressThreshold int    `toml:"compress_threshold"`
	sessionFile
}

// LoadServerSettings overlays the keys present in the TOML file at path on
// DefaultServerSettings.
func LoadServerSettings(path string) (ServerSettings, error) {
	cfg := DefaultServerSettings()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerSettings{}, fmt.Errorf("load server config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServerSettings{}, fmt.Errorf("load server config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Server.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("version") {
		if cfg.Server.Version, err = session.ParseVersion(raw.Version); err != nil {
			return ServerSettings{}, fmt.Errorf("load server config: version: %w", err)
		}
	}
	if meta.IsDefined("stop_timeout") {
		if cfg.StopTimeout, err = parseDuration("stop_timeout", raw.StopTimeout); err != nil {
			return ServerSettings{}, fmt.Errorf("load server config: %w", err)
		}
	}
	if meta.IsDefined("compress_threshold") {
		cfg.CompressThreshold = raw.CompressThreshold
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Server.Session); err != nil {
		return ServerSettings{}, fmt.Errorf("load server config: %w", err)
	}

	cfg.Server = cfg.Server.WithDefaults()
	if err := cfg.Server.Session.ValidateServerTransport(); err != nil {
		return ServerSettings{}, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

// LoadClientSettings overlays the keys present in the TOML file at path on
// DefaultClientSettings.
func LoadClientSettings(path string) (ClientSettings, error) {
	cfg := DefaultClientSettings()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ClientSettings{}, fmt.Errorf("load client config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("version") {
		if cfg.Version, err = session.ParseVersion(raw.Version); err != nil {
			return ClientSettings{}, fmt.Errorf("load client config: version: %w", err)
		}
	}
	if meta.IsDefined("request_timeout") {
		if cfg.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
			return ClientSettings{}, fmt.Errorf("load client config: %w", err)
		}
	}
	if meta.IsDefined("compress_threshold") {
		cfg.CompressThreshold = raw.CompressThreshold
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Session); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return ClientSettings{}, fmt.Errorf("load client config: addr is required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

func applySession(meta toml.MetaData, raw sessionFile, cfg *session.Config) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"session_connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"session_handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"session_read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"session_idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"session_write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	if meta.IsDefined("session_max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("session_max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Security = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
