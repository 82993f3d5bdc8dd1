package serial

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

const (
	refPrefix    = "REF "
	listTypeName = "[]"
	nullRef      = "NULL"
)

// Exporter writes object graphs as envelope text. One Exporter produces one
// message per Export call; reference ids restart at 1 for every message.
type Exporter struct {
	types  *Types
	custom *CustomRegistry

	refs  map[any]int
	lists map[listKey]struct{}
	next  int
	b     strings.Builder
}

// listKey identifies a list currently being written.
type listKey struct {
	first *any
	n     int
}

// NewExporter returns an exporter over the given registries.
func NewExporter(types *Types, custom *CustomRegistry) *Exporter {
	return &Exporter{types: types, custom: custom}
}

// Export renders root. A scalar or custom root becomes a single token line,
// a nil root the null envelope.
func (e *Exporter) Export(root any) (string, error) {
	e.refs = make(map[any]int)
	e.lists = make(map[listKey]struct{})
	e.next = 0
	e.b.Reset()

	if isNil(root) {
		e.b.WriteString("{\n" + refPrefix + "@" + nullRef + "\n}")
		return e.b.String(), nil
	}
	token, ok, err := e.inline(root)
	if err != nil {
		return "", err
	}
	if ok {
		return token, nil
	}
	if err := e.appendEnvelope(root); err != nil {
		return "", err
	}
	return e.b.String(), nil
}

// inline returns the single-token form of v when it has one.
func (e *Exporter) inline(v any) (string, bool, error) {
	if isNil(v) {
		return nullToken, true, nil
	}
	if token, ok, err := e.custom.Encode(v); ok || err != nil {
		return token, ok, err
	}
	if IsScalar(v) {
		token, err := EncodeScalar(v)
		return token, err == nil, err
	}
	return "", false, nil
}

func (e *Exporter) appendEnvelope(v any) error {
	if items, ok := v.([]any); ok {
		return e.appendList(items)
	}
	d, ok := e.types.LookupValue(v)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotSerializable, v)
	}

	if id, seen := e.refs[v]; seen {
		e.openEnvelope(d.Name, id)
		e.b.WriteString("\n}")
		return nil
	}
	e.next++
	id := e.next
	e.refs[v] = id
	e.openEnvelope(d.Name, id)

	for _, f := range d.Fields {
		e.b.WriteByte('\n')
		e.b.WriteString(f.Name)
		e.b.WriteByte(':')
		if err := e.appendValue(f.Get(v)); err != nil {
			return fmt.Errorf("%s.%s: %w", d.Name, f.Name, err)
		}
	}
	e.b.WriteString("\n}")
	return nil
}

// appendList writes a [] envelope. Lists have no identity of their own, so
// each one takes a fresh id, and a list nested inside itself is rejected.
func (e *Exporter) appendList(items []any) error {
	if len(items) > 0 {
		key := listKey{first: &items[0], n: len(items)}
		if _, open := e.lists[key]; open {
			return fmt.Errorf("%w: list contains itself", ErrNotSerializable)
		}
		e.lists[key] = struct{}{}
		defer delete(e.lists, key)
	}
	e.next++
	e.openEnvelope(listTypeName, e.next)
	for i, item := range items {
		e.b.WriteByte('\n')
		e.b.WriteString(strconv.Itoa(i))
		e.b.WriteByte(':')
		if err := e.appendValue(item); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	e.b.WriteString("\n}")
	return nil
}

// appendValue writes the part of a field line after the colon.
func (e *Exporter) appendValue(v any) error {
	token, ok, err := e.inline(v)
	if err != nil {
		return err
	}
	if ok {
		e.b.WriteString(token)
		return nil
	}
	e.b.WriteByte('\n')
	return e.appendEnvelope(v)
}

func (e *Exporter) openEnvelope(typeName string, id int) {
	e.b.WriteString("{\n")
	e.b.WriteString(refPrefix)
	e.b.WriteString(typeName)
	e.b.WriteByte('@')
	e.b.WriteString(strconv.Itoa(id))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
