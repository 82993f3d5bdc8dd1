package serial

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const customPrefix = "custom:"

type customEntry struct {
	tag    string
	typ    reflect.Type
	encode func(any) (string, error)
	decode func(string) (any, error)
}

// CustomRegistry maps tags to codecs for types the scalar codec does not
// know. Register everything before the first Encode/Decode call, then Seal.
// After sealing the registry is read-only and safe for concurrent use
// without locking.
type CustomRegistry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	byTag  map[string]*customEntry
	byType map[reflect.Type]*customEntry
}

// NewCustomRegistry returns a registry holding the built-in time, url and
// bytes codecs.
func NewCustomRegistry() *CustomRegistry {
	r := newEmptyCustomRegistry()
	mustRegister(RegisterCustom(r, "time",
		func(t time.Time) (string, error) { return t.Format(time.RFC3339Nano), nil },
		func(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) },
	))
	mustRegister(RegisterCustom(r, "url",
		func(u *url.URL) (string, error) { return u.String(), nil },
		url.Parse,
	))
	mustRegister(RegisterCustom(r, "bytes",
		func(b []byte) (string, error) { return base64.StdEncoding.EncodeToString(b), nil },
		base64.StdEncoding.DecodeString,
	))
	return r
}

func newEmptyCustomRegistry() *CustomRegistry {
	return &CustomRegistry{
		byTag:  make(map[string]*customEntry),
		byType: make(map[reflect.Type]*customEntry),
	}
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// RegisterCustom binds tag to the codec pair for values of type T.
func RegisterCustom[T any](r *CustomRegistry, tag string, enc func(T) (string, error), dec func(string) (T, error)) error {
	if enc == nil || dec == nil {
		return fmt.Errorf("%w: custom tag %q needs encode and decode", ErrInvalidName, tag)
	}
	entry := &customEntry{
		tag: tag,
		typ: reflect.TypeOf((*T)(nil)).Elem(),
		encode: func(v any) (string, error) {
			return enc(v.(T))
		},
		decode: func(s string) (any, error) {
			return dec(s)
		},
	}
	return r.add(entry)
}

func (r *CustomRegistry) add(entry *customEntry) error {
	if !isValidName(entry.tag) {
		return fmt.Errorf("%w: custom tag %q", ErrInvalidName, entry.tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, ok := r.byTag[entry.tag]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTag, entry.tag)
	}
	if prev, ok := r.byType[entry.typ]; ok {
		return fmt.Errorf("%w: %v already bound to %q", ErrDuplicateTag, entry.typ, prev.tag)
	}
	r.byTag[entry.tag] = entry
	r.byType[entry.typ] = entry
	return nil
}

// Seal freezes the registry.
func (r *CustomRegistry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *CustomRegistry) Sealed() bool {
	return r.sealed.Load()
}

// Tags returns the registered tags in sorted order. It is safe to call while
// registration is still going on.
func (r *CustomRegistry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Encode returns the custom envelope for v. ok is false when no codec is
// registered for the dynamic type of v.
func (r *CustomRegistry) Encode(v any) (token string, ok bool, err error) {
	if v == nil {
		return "", false, nil
	}
	entry, found := r.byType[reflect.TypeOf(v)]
	if !found {
		return "", false, nil
	}
	content, err := entry.encode(v)
	if err != nil {
		return "", true, fmt.Errorf("serial: custom %q encode: %w", entry.tag, err)
	}
	var b strings.Builder
	b.WriteString(customPrefix)
	b.WriteString(entry.tag)
	b.WriteByte(':')
	appendQuoted(&b, content)
	return b.String(), true, nil
}

// IsCustomToken reports whether token is a custom envelope.
func IsCustomToken(token string) bool {
	return strings.HasPrefix(token, customPrefix)
}

// Decode parses a custom:<tag>:<token> envelope.
func (r *CustomRegistry) Decode(token string) (any, error) {
	if !IsCustomToken(token) {
		return nil, fmt.Errorf("%w: not a custom envelope %q", ErrMalformedToken, token)
	}
	rest := token[len(customPrefix):]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 {
		return nil, fmt.Errorf("%w: custom envelope without tag %q", ErrMalformedToken, token)
	}
	tag, content := rest[:idx], rest[idx+1:]
	entry, ok := r.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCustomType, tag)
	}
	raw, err := DecodeScalar(content)
	if err != nil {
		return nil, err
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: custom %q content is %T, want string", ErrMalformedToken, tag, raw)
	}
	v, err := entry.decode(s)
	if err != nil {
		return nil, fmt.Errorf("serial: custom %q decode: %w", tag, err)
	}
	return v, nil
}

// isValidName accepts tags and type names: letters, digits and . _ / -
// with no separator at either end.
func isValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '_' || c == '/' || c == '-'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if isSep && (i == 0 || i == len(name)-1) {
			return false
		}
	}
	return true
}
