package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentifier is returned when a label, relationship type or
// property name cannot be used in a query.
var ErrInvalidIdentifier = errors.New("graph: invalid identifier")

// Writer applies the merge, sweep and relationship protocols to a Store.
// It is safe for concurrent use.
type Writer struct {
	base Template
}

// NewWriter returns a Writer submitting through store.
func NewWriter(store Store) *Writer {
	return &Writer{base: NewTemplate(store)}
}

// Template returns an empty template bound to the writer's store.
func (w *Writer) Template() Template {
	return w.base
}

// Pass identifies one enumeration of an entity type within a scope. Start
// is read from the store clock before enumeration begins and is the
// timestamp stamped on every node the pass merges.
type Pass struct {
	Start int64
	Scope Scope
}

// Now reads the store clock in epoch milliseconds.
func (w *Writer) Now(ctx context.Context) (int64, error) {
	rec, ok, err := w.base.WithCypher("RETURN timestamp() AS ts").First(ctx)
	if err != nil {
		return 0, fmt.Errorf("read store clock: %w", err)
	}
	if !ok {
		return 0, errors.New("read store clock: no result")
	}
	ts, ok := rec.Int64("ts")
	if !ok {
		return 0, fmt.Errorf("read store clock: unexpected value %T", rec["ts"])
	}
	return ts, nil
}

// BeginPass starts a pass over scope.
func (w *Writer) BeginPass(ctx context.Context, scope Scope) (Pass, error) {
	ts, err := w.Now(ctx)
	if err != nil {
		return Pass{}, err
	}
	return Pass{Start: ts, Scope: scope}, nil
}

// matchClause renders "{k: $__params.<group>.k, ...}" for the given keys.
func matchClause(group string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: $%s.%s.%s", k, ParamsKey, group, k)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// whereScope renders "v.k = $__params.scope.k" conditions for each scope attribute.
func whereScope(v string, scope Scope) []string {
	var conds []string
	for _, a := range scope.Attrs() {
		conds = append(conds, fmt.Sprintf("%s.%s = $%s.scope.%s", v, a.Key, ParamsKey, a.Key))
	}
	return conds
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !validIdentifier(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}

func scopeIdentifiers(scope Scope) error {
	for _, a := range scope.Attrs() {
		if err := checkIdentifiers(a.Key); err != nil {
			return err
		}
	}
	return nil
}
