// Package graph projects observed infrastructure into a property graph.
//
// It owns the pieces with real invariants: the immutable query template,
// the identity-keyed merge protocol, the pass-timestamp sweep and
// attribute-join relationship derivation. Everything is expressed as Cypher
// and submitted through a Store.
package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Well-known properties carried by every node the engine writes.
const (
	EntityType      = "entityType"
	EntityGroup     = "entityGroup"
	UpdateTimestamp = "updateTimestamp"
)

// Scope attribute names with special meaning.
const (
	AccountKey = "account"
	RegionKey  = "region"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier reports whether s can be used unquoted as a label,
// relationship type or property name.
func validIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Bag is the canonical property bag of one observed resource.
type Bag map[string]any

// Keys returns the bag keys in a stable order.
func (b Bag) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value under key formatted as a string, or "" if absent.
func (b Bag) String(key string) string {
	v, ok := b[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of the bag.
func (b Bag) Clone() Bag {
	c := make(Bag, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}

// Attr is one scope attribute.
type Attr struct {
	Key   string
	Value string
}

// Scope is the containing boundary of a scan pass, e.g. account and region.
// A Scope is immutable; its attributes are kept sorted by key.
type Scope struct {
	attrs []Attr
}

// NewScope builds a scope from the given attributes. Empty values are dropped.
func NewScope(attrs map[string]string) Scope {
	s := Scope{attrs: make([]Attr, 0, len(attrs))}
	for k, v := range attrs {
		if v == "" {
			continue
		}
		s.attrs = append(s.attrs, Attr{Key: k, Value: v})
	}
	sort.Slice(s.attrs, func(i, j int) bool { return s.attrs[i].Key < s.attrs[j].Key })
	return s
}

// Attrs returns a copy of the scope attributes in key order.
func (s Scope) Attrs() []Attr {
	return append([]Attr(nil), s.attrs...)
}

// Get returns the value of a scope attribute, or "".
func (s Scope) Get(key string) string {
	for _, a := range s.attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// Without returns a copy of the scope without the given attribute.
func (s Scope) Without(key string) Scope {
	out := Scope{attrs: make([]Attr, 0, len(s.attrs))}
	for _, a := range s.attrs {
		if a.Key != key {
			out.attrs = append(out.attrs, a)
		}
	}
	return out
}

// IsZero reports whether the scope has no attributes.
func (s Scope) IsZero() bool {
	return len(s.attrs) == 0
}

// Map returns the scope as a parameter map.
func (s Scope) Map() map[string]any {
	m := make(map[string]any, len(s.attrs))
	for _, a := range s.attrs {
		m[a.Key] = a.Value
	}
	return m
}

// String renders the scope as "k=v,k=v".
func (s Scope) String() string {
	parts := make([]string, len(s.attrs))
	for i, a := range s.attrs {
		parts[i] = a.Key + "=" + a.Value
	}
	return strings.Join(parts, ",")
}

// ScopeMode decides which scope attributes constrain a sweep. It is a
// property of the entity type.
type ScopeMode int

const (
	// ScopeInclusive matches every scope attribute. Used by region-bound resources.
	ScopeInclusive ScopeMode = iota
	// ScopeExclusive ignores the region. Used by account-level resources such as IAM policies.
	ScopeExclusive
)

// Filter narrows scope to the attributes this mode matches on.
func (m ScopeMode) Filter(scope Scope) Scope {
	if m == ScopeExclusive {
		return scope.Without(RegionKey)
	}
	return scope
}

func (m ScopeMode) String() string {
	switch m {
	case ScopeInclusive:
		return "inclusive"
	case ScopeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("ScopeMode(%d)", int(m))
	}
}
