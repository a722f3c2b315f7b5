package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Join is the predicate connecting two nodes in a relationship rule.
type Join int

const (
	// JoinEquals relates a to b when a.FromAttr = b.ToAttr.
	JoinEquals Join = iota
	// JoinContains relates a to b when b.ToAttr is an element of the
	// list-valued a.FromAttr.
	JoinContains
)

func (j Join) String() string {
	switch j {
	case JoinEquals:
		return "equals"
	case JoinContains:
		return "contains"
	default:
		return fmt.Sprintf("Join(%d)", int(j))
	}
}

// Relationship is a declarative rule deriving edges of Type from nodes
// labelled From to nodes labelled To.
type Relationship struct {
	From     string
	Type     string
	To       string
	FromAttr string
	ToAttr   string
	Join     Join
	// Unscoped rules match From nodes anywhere in the graph instead of
	// only those in the pass scope.
	Unscoped bool
}

func (r Relationship) String() string {
	return fmt.Sprintf("(%s)-[%s]->(%s) on %s.%s %s %s.%s",
		r.From, r.Type, r.To, r.From, r.FromAttr, r.Join, r.To, r.ToAttr)
}

func (r Relationship) predicate() (string, error) {
	switch r.Join {
	case JoinEquals:
		return fmt.Sprintf("a.%s = b.%s", r.FromAttr, r.ToAttr), nil
	case JoinContains:
		return fmt.Sprintf("b.%s IN a.%s", r.ToAttr, r.FromAttr), nil
	default:
		return "", fmt.Errorf("relationship %s: unknown join %d", r.Type, int(r.Join))
	}
}

// Relate asserts every edge the rule derives, restricting source nodes to
// scope unless the rule is unscoped. Existing edges are left untouched and
// no duplicates are created. It returns the number of edges asserted.
func (w *Writer) Relate(ctx context.Context, rel Relationship, scope Scope) (int64, error) {
	if err := checkIdentifiers(rel.From, rel.Type, rel.To, rel.FromAttr, rel.ToAttr); err != nil {
		return 0, fmt.Errorf("relationship %s: %w", rel.Type, err)
	}
	if rel.Unscoped {
		scope = Scope{}
	}
	if err := scopeIdentifiers(scope); err != nil {
		return 0, err
	}
	pred, err := rel.predicate()
	if err != nil {
		return 0, err
	}

	conds := append([]string{pred}, whereScope("a", scope)...)
	cypher := fmt.Sprintf("MATCH (a:%s), (b:%s) WHERE %s MERGE (a)-[r:%s]->(b) RETURN count(r) AS asserted",
		rel.From, rel.To, strings.Join(conds, " AND "), rel.Type)
	rec, _, err := w.base.WithCypher(cypher).WithParam("scope", scope.Map()).First(ctx)
	if err != nil {
		return 0, fmt.Errorf("relate %s: %w", rel, err)
	}
	n, _ := rec.Int64("asserted")
	return n, nil
}

// RelateAll applies each rule independently. A failing rule does not stop
// the others; all failures are returned joined.
func (w *Writer) RelateAll(ctx context.Context, rels []Relationship, scope Scope) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, rel := range rels {
		n, err := w.Relate(ctx, rel, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Endpoint identifies nodes by label and exact property values.
type Endpoint struct {
	Label string
	Match Bag
}

func (e Endpoint) validate() error {
	if len(e.Match) == 0 {
		return ErrEmptyMatch
	}
	return checkIdentifiers(append([]string{e.Label}, e.Match.Keys()...)...)
}

// Link asserts a single edge of type typ between the nodes identified by
// from and to. Nothing is created when either end is absent.
func (w *Writer) Link(ctx context.Context, from Endpoint, typ string, to Endpoint) error {
	if err := from.validate(); err != nil {
		return fmt.Errorf("link from %s: %w", from.Label, err)
	}
	if err := to.validate(); err != nil {
		return fmt.Errorf("link to %s: %w", to.Label, err)
	}
	if err := checkIdentifiers(typ); err != nil {
		return err
	}

	cypher := fmt.Sprintf("MATCH (a:%s %s), (b:%s %s) MERGE (a)-[r:%s]->(b) RETURN count(r) AS asserted",
		from.Label, matchClause("from", from.Match.Keys()), to.Label, matchClause("to", to.Match.Keys()), typ)
	err := w.base.WithCypher(cypher).
		WithParam("from", map[string]any(from.Match)).
		WithParam("to", map[string]any(to.Match)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("link %s-[%s]->%s: %w", from.Label, typ, to.Label, err)
	}
	return nil
}
