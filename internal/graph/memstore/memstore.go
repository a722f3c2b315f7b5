// Package memstore is an in-process graph.Store that backs dry runs and
// tests. It is not a Cypher engine: it recognises only the fixed statement
// shapes emitted by graph.Writer and graph.Template callers in this module
// (clock read, merge, patch, find, delete, sweep, stale and count reads,
// attribute-join relate, link) and rejects any other statement with
// ErrUnsupportedStatement.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/yairfalse/cartograph/internal/graph"
)

// ErrUnsupportedStatement is returned for Cypher this store does not understand.
var ErrUnsupportedStatement = errors.New("memstore: unsupported statement")

var (
	clockStmt  = regexp.MustCompile(`^RETURN timestamp\(\) AS (\w+)$`)
	mergeStmt  = regexp.MustCompile(`^MERGE \(n:(\w+) \{([^}]*)\}\) SET n = \$__params\.(\w+), n\.(\w+) = \$__params\.(\w+)$`)
	patchStmt  = regexp.MustCompile(`^MERGE \(n:(\w+) \{([^}]*)\}\) ON CREATE SET n \+= \$__params\.(\w+) SET n \+= \$__params\.(\w+), n\.(\w+) = \$__params\.(\w+)$`)
	deleteStmt = regexp.MustCompile(`^MATCH \(n:(\w+) \{([^}]*)\}\) DETACH DELETE n RETURN count\(\*\) AS (\w+)$`)
	sweepStmt  = regexp.MustCompile(`^MATCH \(n:(\w+)\) WHERE (.+) DETACH DELETE n RETURN count\(\*\) AS (\w+)$`)
	findStmt   = regexp.MustCompile(`^MATCH \(n:(\w+) \{([^}]*)\}\) RETURN n$`)
	staleStmt  = regexp.MustCompile(`^MATCH \(n:(\w+)\) WHERE (.+) RETURN n$`)
	countStmt  = regexp.MustCompile(`^MATCH \(n:(\w+)\)(?: WHERE (.+))? RETURN count\(n\) AS (\w+)$`)
	relateStmt = regexp.MustCompile(`^MATCH \(a:(\w+)\), \(b:(\w+)\) WHERE (.+) MERGE \(a\)-\[r:(\w+)\]->\(b\) RETURN count\(r\) AS (\w+)$`)
	linkStmt   = regexp.MustCompile(`^MATCH \(a:(\w+) \{([^}]*)\}\), \(b:(\w+) \{([^}]*)\}\) MERGE \(a\)-\[r:(\w+)\]->\(b\) RETURN count\(r\) AS (\w+)$`)

	mapEntry  = regexp.MustCompile(`^(\w+): \$__params\.([\w.]+)$`)
	lessParam = regexp.MustCompile(`^(\w)\.(\w+) < \$__params\.([\w.]+)$`)
	eqParam   = regexp.MustCompile(`^(\w)\.(\w+) = \$__params\.([\w.]+)$`)
	eqProp    = regexp.MustCompile(`^(\w)\.(\w+) = (\w)\.(\w+)$`)
	inProp    = regexp.MustCompile(`^(\w)\.(\w+) IN (\w)\.(\w+)$`)
)

type node struct {
	label string
	id    int64
	props map[string]any
}

func nodeLess(a, b *node) bool {
	if a.label != b.label {
		return a.label < b.label
	}
	return a.id < b.id
}

type edgeKey struct {
	typ      string
	from, to int64
}

// Store is an in-memory property graph. The zero value is not usable; call New.
type Store struct {
	mu         sync.Mutex
	nodes      *btree.BTreeG[*node]
	edges      map[edgeKey]struct{}
	nextID     int64
	clock      func() int64
	lastTick   int64
	intercept  func(cypher string, params map[string]any) error
	statements []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nodes: btree.NewG(16, nodeLess),
		edges: make(map[edgeKey]struct{}),
		clock: func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock replaces the clock read by timestamp(). Readings are forced to
// be strictly increasing.
func (s *Store) SetClock(clock func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	s.lastTick = math.MinInt64
}

// Intercept installs a hook consulted before every statement with the
// nested parameters. A non-nil error from the hook fails the statement
// without touching the graph.
func (s *Store) Intercept(fn func(cypher string, params map[string]any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// Statements returns every statement submitted so far.
func (s *Store) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.statements)
}

// Nodes returns copies of the properties of every node of label, in
// creation order.
func (s *Store) Nodes(label string) []graph.Bag {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graph.Bag
	s.ascend(label, func(n *node) bool {
		out = append(out, graph.Bag(maps.Clone(n.props)))
		return true
	})
	return out
}

// EdgeCount returns the number of edges of type typ.
func (s *Store) EdgeCount(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.edges {
		if k.typ == typ {
			n++
		}
	}
	return n
}

// Edges returns the endpoint properties of every edge of type typ.
func (s *Store) Edges(typ string) [][2]graph.Bag {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[int64]*node)
	s.nodes.Ascend(func(n *node) bool {
		byID[n.id] = n
		return true
	})
	var out [][2]graph.Bag
	for k := range s.edges {
		if k.typ != typ {
			continue
		}
		out = append(out, [2]graph.Bag{
			graph.Bag(maps.Clone(byID[k.from].props)),
			graph.Bag(maps.Clone(byID[k.to].props)),
		})
	}
	return out
}

// Close implements graph.Store.
func (s *Store) Close(context.Context) error { return nil }

// Run implements graph.Store.
func (s *Store) Run(ctx context.Context, cypher string, params map[string]any) (graph.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statements = append(s.statements, cypher)
	nested, _ := params[graph.ParamsKey].(map[string]any)
	if s.intercept != nil {
		if err := s.intercept(cypher, nested); err != nil {
			return nil, err
		}
	}
	p := paramSource(nested)

	records, err := s.exec(cypher, p)
	if err != nil {
		return nil, err
	}
	return graph.NewSliceResult(records), nil
}

func (s *Store) exec(cypher string, p paramSource) ([]graph.Record, error) {
	if m := clockStmt.FindStringSubmatch(cypher); m != nil {
		return one(m[1], s.tick()), nil
	}
	if m := mergeStmt.FindStringSubmatch(cypher); m != nil {
		return nil, s.merge(m[1], m[2], p, "", m[3], m[4], m[5])
	}
	if m := patchStmt.FindStringSubmatch(cypher); m != nil {
		return nil, s.merge(m[1], m[2], p, m[3], m[4], m[5], m[6])
	}
	if m := deleteStmt.FindStringSubmatch(cypher); m != nil {
		match, err := p.mapClause(m[2])
		if err != nil {
			return nil, err
		}
		var victims []*node
		s.ascend(m[1], func(n *node) bool {
			if hasProps(n, match) {
				victims = append(victims, n)
			}
			return true
		})
		s.detachDelete(victims)
		return one(m[3], int64(len(victims))), nil
	}
	if m := findStmt.FindStringSubmatch(cypher); m != nil {
		match, err := p.mapClause(m[2])
		if err != nil {
			return nil, err
		}
		var out []graph.Record
		s.ascend(m[1], func(n *node) bool {
			if hasProps(n, match) {
				out = append(out, nodeRecord(n))
			}
			return true
		})
		return out, nil
	}
	if m := sweepStmt.FindStringSubmatch(cypher); m != nil {
		victims, err := s.filter(m[1], m[2], p)
		if err != nil {
			return nil, err
		}
		s.detachDelete(victims)
		return one(m[3], int64(len(victims))), nil
	}
	if m := staleStmt.FindStringSubmatch(cypher); m != nil {
		found, err := s.filter(m[1], m[2], p)
		if err != nil {
			return nil, err
		}
		out := make([]graph.Record, len(found))
		for i, n := range found {
			out[i] = nodeRecord(n)
		}
		return out, nil
	}
	if m := countStmt.FindStringSubmatch(cypher); m != nil {
		found, err := s.filter(m[1], m[2], p)
		if err != nil {
			return nil, err
		}
		return one(m[3], int64(len(found))), nil
	}
	if m := relateStmt.FindStringSubmatch(cypher); m != nil {
		return s.relate(m[1], m[2], m[3], m[4], m[5], p)
	}
	if m := linkStmt.FindStringSubmatch(cypher); m != nil {
		return s.link(m, p)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedStatement, cypher)
}

func nodeRecord(n *node) graph.Record {
	return graph.Record{"n": graph.Node{Labels: []string{n.label}, Props: maps.Clone(n.props)}}
}

func one(column string, v any) []graph.Record {
	return []graph.Record{{column: v}}
}

// tick returns the next clock reading; must hold mu.
func (s *Store) tick() int64 {
	ts := s.clock()
	if ts <= s.lastTick {
		ts = s.lastTick + 1
	}
	s.lastTick = ts
	return ts
}

func (s *Store) ascend(label string, fn func(*node) bool) {
	s.nodes.AscendRange(&node{label: label, id: math.MinInt64}, &node{label: label, id: math.MaxInt64}, fn)
}

func (s *Store) merge(label, clause string, p paramSource, defaultsPath, propsPath, tsKey, tsPath string) error {
	match, err := p.mapClause(clause)
	if err != nil {
		return err
	}
	props, err := p.mapAt(propsPath)
	if err != nil {
		return err
	}
	ts, ok := p.lookup(tsPath)
	if !ok {
		return fmt.Errorf("memstore: missing parameter %s", tsPath)
	}

	var target *node
	s.ascend(label, func(n *node) bool {
		if hasProps(n, match) {
			target = n
			return false
		}
		return true
	})

	created := target == nil
	if created {
		s.nextID++
		target = &node{label: label, id: s.nextID, props: maps.Clone(match)}
		s.nodes.ReplaceOrInsert(target)
	}

	if defaultsPath == "" {
		// SET n = props replaces every property.
		target.props = maps.Clone(props)
	} else {
		if created {
			defaults, err := p.mapAt(defaultsPath)
			if err != nil {
				return err
			}
			maps.Copy(target.props, defaults)
		}
		maps.Copy(target.props, props)
	}
	target.props[tsKey] = ts
	return nil
}

func (s *Store) detachDelete(victims []*node) {
	gone := make(map[int64]bool, len(victims))
	for _, n := range victims {
		gone[n.id] = true
		s.nodes.Delete(n)
	}
	for k := range s.edges {
		if gone[k.from] || gone[k.to] {
			delete(s.edges, k)
		}
	}
}

// filter returns the nodes of label satisfying every condition in where,
// which may only reference the variable n and parameters.
func (s *Store) filter(label, where string, p paramSource) ([]*node, error) {
	var conds []func(*node) bool
	if where != "" {
		for _, c := range strings.Split(where, " AND ") {
			cond, err := p.nodeCondition(c)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
	}
	var out []*node
	s.ascend(label, func(n *node) bool {
		for _, c := range conds {
			if !c(n) {
				return true
			}
		}
		out = append(out, n)
		return true
	})
	return out, nil
}

func (s *Store) relate(fromLabel, toLabel, where, typ, column string, p paramSource) ([]graph.Record, error) {
	var (
		single []func(*node) bool
		pair   []func(a, b *node) bool
	)
	for _, c := range strings.Split(where, " AND ") {
		switch {
		case eqProp.MatchString(c):
			m := eqProp.FindStringSubmatch(c)
			get := pairGetter(m[1], m[2], m[3], m[4])
			pair = append(pair, func(a, b *node) bool {
				l, r := get(a, b)
				return l != nil && r != nil && equal(l, r)
			})
		case inProp.MatchString(c):
			m := inProp.FindStringSubmatch(c)
			get := pairGetter(m[1], m[2], m[3], m[4])
			pair = append(pair, func(a, b *node) bool {
				elem, list := get(a, b)
				return elem != nil && contains(list, elem)
			})
		default:
			cond, err := p.nodeCondition(c)
			if err != nil {
				return nil, err
			}
			single = append(single, cond)
		}
	}

	var sources, targets []*node
	s.ascend(fromLabel, func(n *node) bool {
		for _, c := range single {
			if !c(n) {
				return true
			}
		}
		sources = append(sources, n)
		return true
	})
	s.ascend(toLabel, func(n *node) bool {
		targets = append(targets, n)
		return true
	})

	var asserted int64
	for _, a := range sources {
	next:
		for _, b := range targets {
			for _, c := range pair {
				if !c(a, b) {
					continue next
				}
			}
			s.edges[edgeKey{typ: typ, from: a.id, to: b.id}] = struct{}{}
			asserted++
		}
	}
	return one(column, asserted), nil
}

func (s *Store) link(m []string, p paramSource) ([]graph.Record, error) {
	fromMatch, err := p.mapClause(m[2])
	if err != nil {
		return nil, err
	}
	toMatch, err := p.mapClause(m[4])
	if err != nil {
		return nil, err
	}
	var froms, tos []*node
	s.ascend(m[1], func(n *node) bool {
		if hasProps(n, fromMatch) {
			froms = append(froms, n)
		}
		return true
	})
	s.ascend(m[3], func(n *node) bool {
		if hasProps(n, toMatch) {
			tos = append(tos, n)
		}
		return true
	})
	var asserted int64
	for _, a := range froms {
		for _, b := range tos {
			s.edges[edgeKey{typ: m[5], from: a.id, to: b.id}] = struct{}{}
			asserted++
		}
	}
	return one(m[6], asserted), nil
}

// pairGetter resolves "x.p OP y.q" against the (a, b) variables of a
// relationship match.
func pairGetter(lv, lp, rv, rp string) func(a, b *node) (any, any) {
	pick := func(v string, a, b *node) *node {
		if v == "a" {
			return a
		}
		return b
	}
	return func(a, b *node) (any, any) {
		return pick(lv, a, b).props[lp], pick(rv, a, b).props[rp]
	}
}

func hasProps(n *node, match map[string]any) bool {
	for k, v := range match {
		got, ok := n.props[k]
		if !ok || !equal(got, v) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func less(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x < y
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return x < y
		}
	}
	return false
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func contains(list, elem any) bool {
	l, ok := list.([]any)
	if !ok {
		return false
	}
	for _, v := range l {
		if equal(v, elem) {
			return true
		}
	}
	return false
}

// paramSource resolves dotted paths into the nested parameter map.
type paramSource map[string]any

func (p paramSource) lookup(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (p paramSource) mapAt(path string) (map[string]any, error) {
	v, ok := p.lookup(path)
	if !ok {
		return nil, fmt.Errorf("memstore: missing parameter %s", path)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("memstore: parameter %s is %T, not a map", path, v)
	}
	return m, nil
}

// mapClause evaluates "k: $__params.a.k, ..." into property values.
func (p paramSource) mapClause(clause string) (map[string]any, error) {
	out := make(map[string]any)
	for _, entry := range strings.Split(clause, ", ") {
		m := mapEntry.FindStringSubmatch(strings.TrimSpace(entry))
		if m == nil {
			return nil, fmt.Errorf("%w: property map %q", ErrUnsupportedStatement, clause)
		}
		v, ok := p.lookup(m[2])
		if !ok {
			return nil, fmt.Errorf("memstore: missing parameter %s", m[2])
		}
		out[m[1]] = v
	}
	return out, nil
}

// nodeCondition compiles a single-variable predicate comparing a property
// to a parameter.
func (p paramSource) nodeCondition(c string) (func(*node) bool, error) {
	if m := lessParam.FindStringSubmatch(c); m != nil {
		want, ok := p.lookup(m[3])
		if !ok {
			return nil, fmt.Errorf("memstore: missing parameter %s", m[3])
		}
		prop := m[2]
		return func(n *node) bool {
			got, ok := n.props[prop]
			return ok && less(got, want)
		}, nil
	}
	if m := eqParam.FindStringSubmatch(c); m != nil {
		want, ok := p.lookup(m[3])
		if !ok {
			return nil, fmt.Errorf("memstore: missing parameter %s", m[3])
		}
		prop := m[2]
		return func(n *node) bool {
			got, ok := n.props[prop]
			return ok && equal(got, want)
		}, nil
	}
	return nil, fmt.Errorf("%w: condition %q", ErrUnsupportedStatement, c)
}
