package serial

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// ZipPrefix marks a base64 gzip-compressed message.
	ZipPrefix = "ZIP:"
	// B64Prefix marks a base64 uncompressed message, used to put a
	// multi-line envelope on one line.
	B64Prefix = "B64:"

	// DefaultCompressThreshold is the export size at which Marshal starts
	// compressing.
	DefaultCompressThreshold = 1024
	// NoCompression disables the ZIP: step.
	NoCompression = -1

	maxInflatedBytes = 64 << 20
)

// Process-wide registries. Domain packages register into these from init,
// and the server seals them on Start.
var (
	DefaultTypes  = NewTypes()
	DefaultCustom = NewCustomRegistry()
	Default       = NewCodec(DefaultTypes, DefaultCustom)
)

// Codec is the collaborator-facing entry point: object graph to bytes and
// back. It is safe for concurrent use once its registries are sealed.
type Codec struct {
	types             *Types
	custom            *CustomRegistry
	compressThreshold int
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressThreshold sets the export size from which messages are
// compressed. NoCompression disables compression, 0 compresses everything.
func WithCompressThreshold(n int) Option {
	return func(c *Codec) {
		c.compressThreshold = n
	}
}

// NewCodec returns a codec over the given registries.
func NewCodec(types *Types, custom *CustomRegistry, opts ...Option) *Codec {
	c := &Codec{
		types:             types,
		custom:            custom,
		compressThreshold: DefaultCompressThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// With returns a copy of c with opts applied, sharing its registries.
func (c *Codec) With(opts ...Option) *Codec {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

func (c *Codec) Types() *Types           { return c.types }
func (c *Codec) Custom() *CustomRegistry { return c.custom }

// Seal freezes both registries.
func (c *Codec) Seal() {
	c.types.Seal()
	c.custom.Seal()
}

// Export renders v as plain envelope text.
func (c *Codec) Export(v any) (string, error) {
	return NewExporter(c.types, c.custom).Export(v)
}

// Import parses text, unwrapping ZIP: and B64: messages.
func (c *Codec) Import(text string) (any, error) {
	plain, err := unwrap(text)
	if err != nil {
		return nil, err
	}
	return NewImporter(c.types, c.custom).Import(plain)
}

// Marshal exports v and compresses the result when it reaches the
// configured threshold.
func (c *Codec) Marshal(v any) ([]byte, error) {
	text, err := c.Export(v)
	if err != nil {
		return nil, err
	}
	if !c.shouldCompress(text) {
		return []byte(text), nil
	}
	zipped, err := compress(text)
	if err != nil {
		return nil, err
	}
	return []byte(zipped), nil
}

// MarshalLine is Marshal constrained to a single line, for line-framed
// transports.
func (c *Codec) MarshalLine(v any) (string, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return "", err
	}
	text := string(data)
	if strings.ContainsAny(text, "\r\n") {
		return B64Prefix + base64.StdEncoding.EncodeToString(data), nil
	}
	return text, nil
}

// Unmarshal is the inverse of Marshal and MarshalLine.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	return c.Import(string(data))
}

func (c *Codec) shouldCompress(text string) bool {
	return c.compressThreshold >= 0 && len(text) >= c.compressThreshold
}

func compress(text string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, text); err != nil {
		return "", fmt.Errorf("serial: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("serial: compress: %w", err)
	}
	return ZipPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func unwrap(text string) (string, error) {
	switch {
	case strings.HasPrefix(text, ZipPrefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text[len(ZipPrefix):]))
		if err != nil {
			return "", fmt.Errorf("%w: zip payload: %v", ErrMalformedMessage, err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("%w: zip payload: %v", ErrMalformedMessage, err)
		}
		defer zr.Close()
		plain, err := io.ReadAll(io.LimitReader(zr, maxInflatedBytes+1))
		if err != nil {
			return "", fmt.Errorf("%w: zip payload: %v", ErrMalformedMessage, err)
		}
		if len(plain) > maxInflatedBytes {
			return "", fmt.Errorf("%w: zip payload inflates past %d bytes", ErrMalformedMessage, maxInflatedBytes)
		}
		return string(plain), nil
	case strings.HasPrefix(text, B64Prefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text[len(B64Prefix):]))
		if err != nil {
			return "", fmt.Errorf("%w: b64 payload: %v", ErrMalformedMessage, err)
		}
		return string(raw), nil
	}
	return text, nil
}
