package serial

import (
	"fmt"
	"testing"
	"time"
)

type node struct {
	Name   string
	Next   *node
	Peers  []*node
	Weight float64
	Born   time.Time
	Extra  any
}

type point struct {
	X, Y int
}

func registerNode(t *testing.T, types *Types) {
	t.Helper()
	err := Register(types, "test.Node",
		Value("name", func(n *node) string { return n.Name }, func(n *node, v string) { n.Name = v }),
		Value("next", func(n *node) *node { return n.Next }, func(n *node, v *node) { n.Next = v }),
		List("peers", func(n *node) []*node { return n.Peers }, func(n *node, v []*node) { n.Peers = v }),
		Value("weight", func(n *node) float64 { return n.Weight }, func(n *node, v float64) { n.Weight = v }),
		Value("born", func(n *node) time.Time { return n.Born }, func(n *node, v time.Time) { n.Born = v }),
		Value("extra", func(n *node) any { return n.Extra }, func(n *node, v any) { n.Extra = v }),
	)
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
}

func registerPoint(t *testing.T, custom *CustomRegistry) {
	t.Helper()
	err := RegisterCustom(custom, "test.point",
		func(p point) (string, error) { return fmt.Sprintf("%d,%d", p.X, p.Y), nil },
		func(s string) (point, error) {
			var p point
			_, err := fmt.Sscanf(s, "%d,%d", &p.X, &p.Y)
			return p, err
		},
	)
	if err != nil {
		t.Fatalf("register point: %v", err)
	}
}

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	types := NewTypes()
	custom := NewCustomRegistry()
	registerNode(t, types)
	registerPoint(t, custom)
	return NewCodec(types, custom, opts...)
}

func roundTrip(t *testing.T, c *Codec, v any) any {
	t.Helper()
	text, err := c.Export(v)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	out, err := c.Import(text)
	if err != nil {
		t.Fatalf("import: %v\n%s", err, text)
	}
	return out
}

func asNode(t *testing.T, v any) *node {
	t.Helper()
	n, ok := v.(*node)
	if !ok {
		t.Fatalf("expected *node, got %T", v)
	}
	return n
}
