package serial

import (
	"fmt"
	"strconv"
	"strings"
)

// Importer rebuilds object graphs from envelope text. Each Import call uses
// a fresh reference table.
type Importer struct {
	types  *Types
	custom *CustomRegistry

	refs  map[string]any
	lines []string
	pos   int
}

// NewImporter returns an importer over the given registries.
func NewImporter(types *Types, custom *CustomRegistry) *Importer {
	return &Importer{types: types, custom: custom}
}

// Import parses one message. On error the returned value is always nil.
func (im *Importer) Import(text string) (any, error) {
	im.refs = make(map[string]any)
	im.lines = strings.Split(text, "\n")
	im.pos = 0

	first, ok := im.next()
	if !ok {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	var (
		root any
		err  error
	)
	if first == "{" {
		root, err = im.parseEnvelope()
	} else {
		root, err = im.decodeToken(first)
		if err != nil {
			err = im.errAt(err)
		}
	}
	if err != nil {
		return nil, err
	}
	if _, more := im.next(); more {
		return nil, im.errAt(fmt.Errorf("%w: trailing content after root", ErrMalformedMessage))
	}
	return root, nil
}

// next returns the next non-blank line.
func (im *Importer) next() (string, bool) {
	for im.pos < len(im.lines) {
		line := strings.TrimSuffix(im.lines[im.pos], "\r")
		im.pos++
		if line != "" {
			return line, true
		}
	}
	return "", false
}

func (im *Importer) errAt(err error) error {
	line := im.pos
	text := ""
	if line > 0 && line <= len(im.lines) {
		text = im.lines[line-1]
	}
	return &LineError{Line: line, Text: text, Err: err}
}

func (im *Importer) malformed(format string, args ...any) error {
	return im.errAt(fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...)))
}

// parseEnvelope parses one frame; the opening brace is already consumed.
func (im *Importer) parseEnvelope() (any, error) {
	line, ok := im.next()
	if !ok {
		return nil, im.malformed("missing REF line")
	}
	if !strings.HasPrefix(line, refPrefix) {
		return nil, im.malformed("expected REF line")
	}
	ref := line[len(refPrefix):]
	at := strings.LastIndexByte(ref, '@')
	if at < 0 {
		return nil, im.malformed("REF without @")
	}
	typeName, id := ref[:at], ref[at+1:]
	if id == "" {
		return nil, im.malformed("empty reference id")
	}

	switch {
	case id == nullRef:
		if typeName != "" {
			return nil, im.malformed("typed NULL reference")
		}
		return nil, im.closeFrame()
	case typeName == listTypeName:
		return im.parseList()
	}

	if existing, seen := im.refs[id]; seen {
		if d, ok := im.types.LookupValue(existing); ok && d.Name != typeName {
			return nil, im.malformed("reference %s is %s, not %s", id, d.Name, typeName)
		}
		if err := im.closeFrame(); err != nil {
			return nil, err
		}
		return existing, nil
	}

	d, ok := im.types.Lookup(typeName)
	if !ok {
		return nil, im.errAt(fmt.Errorf("%w: %q", ErrUnknownType, typeName))
	}
	if d.New == nil {
		return nil, im.errAt(fmt.Errorf("%w: %q", ErrNoConstructor, typeName))
	}
	obj := d.New()
	// Registered before any field is read so back-references resolve to obj.
	im.refs[id] = obj

	for {
		line, ok := im.next()
		if !ok {
			return nil, im.malformed("unterminated envelope for %s@%s", typeName, id)
		}
		if line == "}" {
			return obj, nil
		}
		name, token, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, im.malformed("expected field line")
		}
		f, ok := d.Field(name)
		if !ok {
			return nil, im.errAt(fmt.Errorf("%w: %s.%s", ErrUnknownField, typeName, name))
		}
		fieldLine := im.pos
		value, err := im.parseValue(token)
		if err != nil {
			return nil, err
		}
		if err := f.Set(obj, value); err != nil {
			return nil, &LineError{Line: fieldLine, Text: line, Err: fmt.Errorf("%s: %w", typeName, err)}
		}
	}
}

func (im *Importer) parseList() (any, error) {
	items := []any{}
	for {
		line, ok := im.next()
		if !ok {
			return nil, im.malformed("unterminated list")
		}
		if line == "}" {
			return items, nil
		}
		index, token, ok := strings.Cut(line, ":")
		if !ok {
			return nil, im.malformed("expected list item line")
		}
		if n, err := strconv.Atoi(index); err != nil || n != len(items) {
			return nil, im.malformed("list index %q out of sequence", index)
		}
		value, err := im.parseValue(token)
		if err != nil {
			return nil, err
		}
		items = append(items, value)
	}
}

// parseValue decodes an inline token, or the nested envelope that follows a
// bare "name:" line.
func (im *Importer) parseValue(token string) (any, error) {
	if token != "" {
		v, err := im.decodeToken(token)
		if err != nil {
			return nil, im.errAt(err)
		}
		return v, nil
	}
	line, ok := im.next()
	if !ok || line != "{" {
		return nil, im.malformed("expected nested envelope")
	}
	return im.parseEnvelope()
}

func (im *Importer) closeFrame() error {
	line, ok := im.next()
	if !ok || line != "}" {
		return im.malformed("expected }")
	}
	return nil
}

func (im *Importer) decodeToken(token string) (any, error) {
	if IsCustomToken(token) {
		return im.custom.Decode(token)
	}
	return DecodeScalar(token)
}
