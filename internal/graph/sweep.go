package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// staleWhere renders the predicate selecting nodes bound to scope that
// were last touched before the ts parameter.
func staleWhere(scope Scope) string {
	conds := append([]string{fmt.Sprintf("n.%s < $%s.ts", UpdateTimestamp, ParamsKey)}, whereScope("n", scope)...)
	return strings.Join(conds, " AND ")
}

// Sweep deletes every node of label in the pass scope that the pass did
// not touch. mode decides which scope attributes constrain the match and
// must be the entity type's own mode. It returns the number of nodes
// removed.
func (w *Writer) Sweep(ctx context.Context, pass Pass, label string, mode ScopeMode) (int64, error) {
	scope := mode.Filter(pass.Scope)
	if err := checkIdentifiers(label); err != nil {
		return 0, err
	}
	if err := scopeIdentifiers(scope); err != nil {
		return 0, err
	}

	cypher := fmt.Sprintf("MATCH (n:%s) WHERE %s DETACH DELETE n RETURN count(*) AS deleted",
		label, staleWhere(scope))
	rec, _, err := w.base.WithCypher(cypher).
		WithParam("ts", pass.Start).
		WithParam("scope", scope.Map()).
		First(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", label, err)
	}
	deleted, _ := rec.Int64("deleted")
	recordSweep(ctx, label, deleted)

	log.Debug().
		Str("label", label).
		Str("scope", scope.String()).
		Str("mode", mode.String()).
		Int64("pass", pass.Start).
		Int64("deleted", deleted).
		Msg("sweep complete")
	return deleted, nil
}

// Stale returns up to limit nodes of label in scope whose updateTimestamp
// is older than olderThan (epoch milliseconds). A limit of zero returns all.
func (w *Writer) Stale(ctx context.Context, label string, scope Scope, olderThan int64, limit int) ([]Bag, error) {
	if err := checkIdentifiers(label); err != nil {
		return nil, err
	}
	if err := scopeIdentifiers(scope); err != nil {
		return nil, err
	}

	cypher := fmt.Sprintf("MATCH (n:%s) WHERE %s RETURN n", label, staleWhere(scope))
	records, err := w.base.WithCypher(cypher).
		WithParam("ts", olderThan).
		WithParam("scope", scope.Map()).
		WithShape(ShapeNode).
		WithLimit(limit).
		List(ctx)
	if err != nil {
		return nil, fmt.Errorf("stale %s: %w", label, err)
	}
	out := make([]Bag, len(records))
	for i, r := range records {
		out[i] = Bag(r)
	}
	return out, nil
}
