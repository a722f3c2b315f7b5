package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
)

// Outcome is what happened to a single entity.
type Outcome int

const (
	OutcomeMerged Outcome = iota
	OutcomeDeleted
	OutcomeSkipped
	OutcomeIgnored
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMerged:
		return "merged"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ScanOne refreshes a single entity. When the provider reports it gone the
// node is deleted at once instead of waiting for the next sweep.
func (o *Orchestrator) ScanOne(ctx context.Context, target Target, id string) (Outcome, error) {
	sc, err := o.Scanner(target)
	if err != nil {
		return OutcomeFailed, err
	}
	if !o.typeEnabled(sc.EntityType()) {
		return OutcomeIgnored, nil
	}

	bag, err := o.fetchOne(ctx, sc, id)
	if errors.Is(err, ErrNotFound) {
		return o.deleteGone(ctx, sc, target, id)
	}
	if err != nil {
		recordOutcome(ctx, sc.EntityType(), OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("get %s %s: %w", sc.EntityType(), id, err)
	}

	pass, err := o.writer.BeginPass(ctx, target.Scope)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("begin pass: %w", err)
	}
	spec := graph.NodeSpec{Label: sc.EntityType(), IdentityKeys: sc.IdentityKeys()}
	outcome := o.mergeItem(ctx, sc, target, pass, spec, Item{Bag: bag})
	if outcome == OutcomeFailed {
		return outcome, fmt.Errorf("merge %s %s failed", sc.EntityType(), id)
	}
	if outcome == OutcomeMerged {
		if _, err := o.writer.RelateAll(ctx, sc.Relationships(), sc.ScopeMode().Filter(target.Scope)); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (o *Orchestrator) deleteGone(ctx context.Context, sc Scanner, target Target, id string) (Outcome, error) {
	match := sc.MatchByID(id).Clone()
	for _, a := range sc.ScopeMode().Filter(target.Scope).Attrs() {
		match[a.Key] = a.Value
	}
	n, err := o.writer.DeleteMatching(ctx, sc.EntityType(), match)
	if err != nil {
		recordOutcome(ctx, sc.EntityType(), OutcomeFailed)
		return OutcomeFailed, err
	}
	log.Info().
		Str("target", target.Key()).
		Str("id", id).
		Int64("deleted", n).
		Msg("Entity no longer exists, removed from graph")
	recordOutcome(ctx, sc.EntityType(), OutcomeDeleted)
	return OutcomeDeleted, nil
}

// ScanObserved refreshes the entity described by bag, typically a node
// read back from the graph. Bags of another entity type are ignored.
func (o *Orchestrator) ScanObserved(ctx context.Context, target Target, bag graph.Bag) (Outcome, error) {
	sc, err := o.Scanner(target)
	if err != nil {
		return OutcomeFailed, err
	}
	if typ := bag.String(graph.EntityType); typ != "" && typ != sc.EntityType() {
		return OutcomeIgnored, nil
	}
	id, ok := sc.LookupID(bag)
	if !ok {
		return OutcomeSkipped, nil
	}
	return o.ScanOne(ctx, target, id)
}

// Revalidate re-fetches up to limit nodes of the target that have not
// been refreshed within olderThan. It returns how many were processed.
func (o *Orchestrator) Revalidate(ctx context.Context, target Target, olderThan time.Duration, limit int) (int, error) {
	sc, err := o.Scanner(target)
	if err != nil {
		return 0, err
	}
	now, err := o.writer.Now(ctx)
	if err != nil {
		return 0, err
	}
	stale, err := o.writer.Stale(ctx, sc.EntityType(), sc.ScopeMode().Filter(target.Scope), now-olderThan.Milliseconds(), limit)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, bag := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := o.ScanObserved(ctx, target, bag); err != nil {
			errs = append(errs, err)
		}
	}
	return len(stale), errors.Join(errs...)
}
