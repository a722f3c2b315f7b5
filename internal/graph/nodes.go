package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingIdentity is returned when a bag lacks a value for one of
	// the identity keys of its entity type.
	ErrMissingIdentity = errors.New("graph: missing identity attribute")
	// ErrEmptyMatch is returned by DeleteMatching when no match attributes are given.
	ErrEmptyMatch = errors.New("graph: empty match attributes")
)

// NodeSpec names a node label and the properties that identify a node of
// that label within the graph.
type NodeSpec struct {
	Label        string
	IdentityKeys []string
}

func (s NodeSpec) validate() error {
	if err := checkIdentifiers(s.Label); err != nil {
		return err
	}
	if len(s.IdentityKeys) == 0 {
		return fmt.Errorf("%w: %s declares no identity keys", ErrMissingIdentity, s.Label)
	}
	return checkIdentifiers(s.IdentityKeys...)
}

// identity extracts the identity values of b.
func (s NodeSpec) identity(b Bag) (map[string]any, error) {
	id := make(map[string]any, len(s.IdentityKeys))
	for _, k := range s.IdentityKeys {
		if b.String(k) == "" {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingIdentity, s.Label, k)
		}
		id[k] = b[k]
	}
	return id, nil
}

// Merge upserts the node identified by bag. When a node with the same
// label and identity exists its properties are replaced by the bag's,
// otherwise it is created. updateTimestamp is set to the pass start.
// Merging the same bag twice in one pass leaves the graph unchanged.
func (w *Writer) Merge(ctx context.Context, pass Pass, spec NodeSpec, bag Bag) error {
	if err := spec.validate(); err != nil {
		return err
	}
	id, err := spec.identity(bag)
	if err != nil {
		return err
	}
	props, err := properties(bag)
	if err != nil {
		return fmt.Errorf("merge %s: %w", spec.Label, err)
	}
	delete(props, UpdateTimestamp)

	cypher := fmt.Sprintf("MERGE (n:%s %s) SET n = $%s.props, n.%s = $%s.ts",
		spec.Label, matchClause("id", spec.IdentityKeys), ParamsKey, UpdateTimestamp, ParamsKey)
	err = w.base.WithCypher(cypher).
		WithParam("id", id).
		WithParam("props", props).
		WithParam("ts", pass.Start).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("merge %s: %w", spec.Label, err)
	}
	recordMerge(ctx, spec.Label)
	return nil
}

// Patch upserts the node identified by props, adding to its properties
// rather than replacing them. defaults are only applied when the node is
// created, so fields edited in the graph survive later patches.
func (w *Writer) Patch(ctx context.Context, pass Pass, spec NodeSpec, props, defaults Bag) error {
	if err := spec.validate(); err != nil {
		return err
	}
	id, err := spec.identity(props)
	if err != nil {
		return err
	}
	p, err := properties(props)
	if err != nil {
		return fmt.Errorf("patch %s: %w", spec.Label, err)
	}
	d, err := properties(defaults)
	if err != nil {
		return fmt.Errorf("patch %s: %w", spec.Label, err)
	}

	cypher := fmt.Sprintf("MERGE (n:%s %s) ON CREATE SET n += $%s.defaults SET n += $%s.props, n.%s = $%s.ts",
		spec.Label, matchClause("id", spec.IdentityKeys), ParamsKey, ParamsKey, UpdateTimestamp, ParamsKey)
	err = w.base.WithCypher(cypher).
		WithParam("id", id).
		WithParam("props", p).
		WithParam("defaults", d).
		WithParam("ts", pass.Start).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("patch %s: %w", spec.Label, err)
	}
	return nil
}

// DeleteMatching removes every node of label whose properties equal attrs,
// together with its relationships, and returns how many were removed.
func (w *Writer) DeleteMatching(ctx context.Context, label string, attrs Bag) (int64, error) {
	if len(attrs) == 0 {
		return 0, ErrEmptyMatch
	}
	keys := attrs.Keys()
	if err := checkIdentifiers(append([]string{label}, keys...)...); err != nil {
		return 0, err
	}
	match := make(map[string]any, len(attrs))
	for _, k := range keys {
		match[k] = attrs[k]
	}

	cypher := fmt.Sprintf("MATCH (n:%s %s) DETACH DELETE n RETURN count(*) AS deleted",
		label, matchClause("match", keys))
	rec, _, err := w.base.WithCypher(cypher).WithParam("match", match).First(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", label, err)
	}
	n, _ := rec.Int64("deleted")
	return n, nil
}

// Count returns the number of nodes of label within scope.
func (w *Writer) Count(ctx context.Context, label string, scope Scope) (int64, error) {
	if err := checkIdentifiers(label); err != nil {
		return 0, err
	}
	if err := scopeIdentifiers(scope); err != nil {
		return 0, err
	}
	cypher := fmt.Sprintf("MATCH (n:%s)", label)
	if conds := whereScope("n", scope); len(conds) > 0 {
		cypher += " WHERE " + strings.Join(conds, " AND ")
	}
	cypher += " RETURN count(n) AS count"
	rec, _, err := w.base.WithCypher(cypher).WithParam("scope", scope.Map()).First(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", label, err)
	}
	n, _ := rec.Int64("count")
	return n, nil
}

// Find returns the properties of every node of label whose properties
// equal match.
func (w *Writer) Find(ctx context.Context, label string, match Bag) ([]Bag, error) {
	if len(match) == 0 {
		return nil, ErrEmptyMatch
	}
	keys := match.Keys()
	if err := checkIdentifiers(append([]string{label}, keys...)...); err != nil {
		return nil, err
	}
	cypher := fmt.Sprintf("MATCH (n:%s %s) RETURN n", label, matchClause("match", keys))
	records, err := w.base.WithCypher(cypher).
		WithParam("match", map[string]any(match)).
		WithShape(ShapeNode).
		List(ctx)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", label, err)
	}
	out := make([]Bag, len(records))
	for i, r := range records {
		out[i] = Bag(r)
	}
	return out, nil
}
