package session

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

var (
	ErrInvalidSecurityMode = errors.New("session: invalid security mode")
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCAFileRequired   = errors.New("session: tls ca file required")
	ErrMTLSRequiresTLS     = errors.New("session: mutual tls requires verified mode")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModePlain
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) validateMode() (SecurityMode, error) {
	mode := NormalizeSecurityMode(c.Security)
	switch mode {
	case SecurityModePlain, SecurityModeAnonymous, SecurityModeVerified:
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.Security)
	}
	if c.TLS.Mutual && mode != SecurityModeVerified {
		return mode, ErrMTLSRequiresTLS
	}
	return mode, nil
}

func (c Config) ValidateClientTransport() error {
	mode, err := c.validateMode()
	if err != nil {
		return err
	}
	if mode != SecurityModeVerified {
		return nil
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (c Config) ValidateServerTransport() error {
	mode, err := c.validateMode()
	if err != nil {
		return err
	}
	if mode != SecurityModeVerified {
		return nil
	}
	if strings.TrimSpace(c.TLS.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.TLS.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// Listen opens the server socket for the configured security mode.
func (c Config) Listen(addr string) (net.Listener, error) {
	if err := c.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if NormalizeSecurityMode(c.Security) == SecurityModePlain {
		return ln, nil
	}
	tlsCfg, err := c.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// ServerTLSConfig builds the listener TLS config. Anonymous mode generates
// a fresh self-signed certificate on every call.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	if NormalizeSecurityMode(c.Security) == SecurityModeAnonymous {
		cert, err := ephemeralCertificate()
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.NoClientCert,
		}, nil
	}

	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.TLS.Mutual {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLSConfig builds the dialer TLS config for addr.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	if NormalizeSecurityMode(c.Security) == SecurityModeAnonymous {
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	pool, err := loadCertPool(c.TLS.CAFile)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool

	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

func ephemeralCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("session: generate anonymous key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("session: generate anonymous serial: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "anonymous"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(7 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("session: create anonymous cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
