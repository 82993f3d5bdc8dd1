package serial

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Char is a single character value. It has its own token form so that it
// survives a round trip distinct from int and string.
type Char rune

const (
	nullToken  = "NULL"
	trueToken  = "true"
	falseToken = "false"
)

// Numeric width markers appended to number tokens. Plain int has none.
const (
	suffixInt8    = 'b'
	suffixInt16   = 's'
	suffixInt64   = 'L'
	suffixFloat32 = 'F'
	suffixFloat64 = 'd'
	suffixChar    = 'c'
)

// EncodeScalar encodes v as one token. Values that need an envelope return
// ErrNotScalar so the exporter can expand them.
func EncodeScalar(v any) (string, error) {
	var b strings.Builder
	if err := appendScalar(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

// IsScalar reports whether v has a token form.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int8, int16, int, int64, float32, float64, Char:
		return true
	}
	return false
}

func appendScalar(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString(nullToken)
	case string:
		appendQuoted(b, x)
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case int8:
		b.WriteString(strconv.FormatInt(int64(x), 10))
		b.WriteByte(suffixInt8)
	case int16:
		b.WriteString(strconv.FormatInt(int64(x), 10))
		b.WriteByte(suffixInt16)
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
		b.WriteByte(suffixInt64)
	case float32:
		b.WriteString(formatFloat(float64(x), 32))
		b.WriteByte(suffixFloat32)
	case float64:
		b.WriteString(formatFloat(x, 64))
		b.WriteByte(suffixFloat64)
	case Char:
		if !utf8.ValidRune(rune(x)) {
			return fmt.Errorf("%w: invalid char %U", ErrNotScalar, rune(x))
		}
		appendQuoted(b, string(rune(x)))
		b.WriteByte(suffixChar)
	default:
		return fmt.Errorf("%w: %T", ErrNotScalar, v)
	}
	return nil
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

func appendQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// DecodeScalar is the inverse of EncodeScalar.
func DecodeScalar(token string) (any, error) {
	switch token {
	case "":
		return nil, fmt.Errorf("%w: empty token", ErrMalformedToken)
	case nullToken:
		return nil, nil
	case trueToken:
		return true, nil
	case falseToken:
		return false, nil
	}

	if token[0] == '"' {
		if len(token) >= 3 && strings.HasSuffix(token, `"c`) {
			s, err := unquote(token[:len(token)-1])
			if err != nil {
				return nil, err
			}
			r, size := utf8.DecodeRuneInString(s)
			if size == 0 || size != len(s) {
				return nil, fmt.Errorf("%w: char token %q", ErrMalformedToken, token)
			}
			return Char(r), nil
		}
		s, err := unquote(token)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	return decodeNumber(token)
}

func decodeNumber(token string) (any, error) {
	body := token[:len(token)-1]
	var (
		v   any
		err error
	)
	switch token[len(token)-1] {
	case suffixInt8:
		var n int64
		n, err = strconv.ParseInt(body, 10, 8)
		v = int8(n)
	case suffixInt16:
		var n int64
		n, err = strconv.ParseInt(body, 10, 16)
		v = int16(n)
	case suffixInt64:
		v, err = strconv.ParseInt(body, 10, 64)
	case suffixFloat32:
		var f float64
		f, err = strconv.ParseFloat(body, 32)
		v = float32(f)
	case suffixFloat64:
		v, err = strconv.ParseFloat(body, 64)
	default:
		v, err = strconv.Atoi(token)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedToken, token, err)
	}
	return v, nil
}

func unquote(token string) (string, error) {
	if len(token) < 2 || token[0] != '"' || token[len(token)-1] != '"' {
		return "", fmt.Errorf("%w: unterminated string %q", ErrMalformedToken, token)
	}
	body := token[1 : len(token)-1]
	if strings.IndexByte(body, '\\') < 0 {
		if strings.IndexByte(body, '"') >= 0 {
			return "", fmt.Errorf("%w: unescaped quote in %q", ErrMalformedToken, token)
		}
		return body, nil
	}

	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '"' {
			return "", fmt.Errorf("%w: unescaped quote in %q", ErrMalformedToken, token)
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(body) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformedToken, token)
		}
		switch body[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '"':
			b.WriteByte('"')
		default:
			return "", fmt.Errorf("%w: unknown escape \\%c in %q", ErrMalformedToken, body[i], token)
		}
	}
	return b.String(), nil
}
