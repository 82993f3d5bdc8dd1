package serial

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// FieldKind selects how a field value is laid out on the wire.
type FieldKind int

const (
	// KindValue fields hold one scalar, custom or object value.
	KindValue FieldKind = iota
	// KindList fields hold an ordered sequence, written as a `[]` envelope.
	KindList
)

// Field is one named slot of a registered type. Get and Set receive the
// object instance (a pointer). For KindList fields the value is []any.
type Field struct {
	Name string
	Kind FieldKind
	Get  func(obj any) any
	Set  func(obj any, v any) error
}

// Descriptor describes one serializable type: its wire name, the Go pointer
// type of its instances, a zero-value constructor, and its fields in wire
// order.
type Descriptor struct {
	Name   string
	GoType reflect.Type
	New    func() any
	Fields []Field
}

// Field returns the named field.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Types is the table of serializable object types, keyed both by wire name
// (import) and Go type (export). Like CustomRegistry it is populated at
// startup and sealed before concurrent use.
type Types struct {
	mu     sync.Mutex
	sealed atomic.Bool
	byName map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
}

// NewTypes returns a table holding the built-in RemoteError type.
func NewTypes() *Types {
	t := &Types{
		byName: make(map[string]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
	mustRegister(Register(t, RemoteErrorType,
		Value("message",
			func(e *RemoteError) string { return e.Message },
			func(e *RemoteError, s string) { e.Message = s },
		),
	))
	return t
}

// Add registers a descriptor. A nil New is accepted; importing such a type
// fails with ErrNoConstructor.
func (t *Types) Add(d Descriptor) error {
	if !isValidName(d.Name) {
		return fmt.Errorf("%w: type name %q", ErrInvalidName, d.Name)
	}
	if d.GoType == nil || d.GoType.Kind() != reflect.Pointer {
		return fmt.Errorf("%w: type %q must be a pointer type, got %v", ErrInvalidName, d.Name, d.GoType)
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if !isValidName(f.Name) {
			return fmt.Errorf("%w: field %q of %q", ErrInvalidName, f.Name, d.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: field %q of %q declared twice", ErrInvalidName, f.Name, d.Name)
		}
		if f.Get == nil || f.Set == nil {
			return fmt.Errorf("%w: field %q of %q needs get and set", ErrInvalidName, f.Name, d.Name)
		}
		seen[f.Name] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, ok := t.byName[d.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, d.Name)
	}
	if prev, ok := t.byType[d.GoType]; ok {
		return fmt.Errorf("%w: %v already registered as %q", ErrDuplicateType, d.GoType, prev.Name)
	}
	desc := d
	t.byName[d.Name] = &desc
	t.byType[d.GoType] = &desc
	return nil
}

// Seal freezes the table.
func (t *Types) Seal() {
	t.mu.Lock()
	t.sealed.Store(true)
	t.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (t *Types) Sealed() bool {
	return t.sealed.Load()
}

// Lookup returns the descriptor registered under name.
func (t *Types) Lookup(name string) (*Descriptor, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// LookupValue returns the descriptor for the dynamic type of v.
func (t *Types) LookupValue(v any) (*Descriptor, bool) {
	d, ok := t.byType[reflect.TypeOf(v)]
	return d, ok
}

// Names returns the registered type names in sorted order. It is safe to
// call while registration is still going on.
func (t *Types) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byName))
	for name := range t.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FieldOf is a field descriptor bound to the struct type T.
type FieldOf[T any] struct {
	field Field
}

// Register adds *T under name with the given fields.
func Register[T any](t *Types, name string, fields ...FieldOf[T]) error {
	d := Descriptor{
		Name:   name,
		GoType: reflect.TypeOf((**T)(nil)).Elem(),
		New:    func() any { return new(T) },
		Fields: make([]Field, 0, len(fields)),
	}
	for _, f := range fields {
		d.Fields = append(d.Fields, f.field)
	}
	return t.Add(d)
}

// Value declares a single-valued field.
func Value[T, V any](name string, get func(*T) V, set func(*T, V)) FieldOf[T] {
	return FieldOf[T]{field: Field{
		Name: name,
		Kind: KindValue,
		Get: func(obj any) any {
			return get(obj.(*T))
		},
		Set: func(obj any, v any) error {
			out, err := assign[V](v)
			if err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			set(obj.(*T), out)
			return nil
		},
	}}
}

// List declares a slice field.
func List[T, E any](name string, get func(*T) []E, set func(*T, []E)) FieldOf[T] {
	return FieldOf[T]{field: Field{
		Name: name,
		Kind: KindList,
		Get: func(obj any) any {
			items := get(obj.(*T))
			if items == nil {
				return nil
			}
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = item
			}
			return out
		},
		Set: func(obj any, v any) error {
			if v == nil {
				set(obj.(*T), nil)
				return nil
			}
			items, ok := v.([]any)
			if !ok {
				return fmt.Errorf("field %q: %w: have %T, want list", name, ErrFieldType, v)
			}
			out := make([]E, len(items))
			for i, item := range items {
				e, err := assign[E](item)
				if err != nil {
					return fmt.Errorf("field %q[%d]: %w", name, i, err)
				}
				out[i] = e
			}
			set(obj.(*T), out)
			return nil
		},
	}}
}

func assign[V any](v any) (V, error) {
	var zero V
	if v == nil {
		return zero, nil
	}
	out, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("%w: have %T, want %v", ErrFieldType, v, reflect.TypeOf((*V)(nil)).Elem())
	}
	return out, nil
}
