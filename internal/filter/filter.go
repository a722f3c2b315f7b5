// Package filter decides which entity types are scanned and which
// entities are admitted into the graph.
package filter

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
)

// PolicyQuery is the rule an admission policy must define. Undefined means
// admit.
const PolicyQuery = "data.cartograph.admit"

// Filter controls which entity types to scan and which entities to merge.
type Filter struct {
	excludeTypes map[string]bool
	includeTags  map[string]string
	excludeTags  map[string]string
	policy       *rego.PreparedEvalQuery
}

// New creates a new Filter from the provided configuration.
func New(excludeTypes []string, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes: excludeMap,
		includeTags:  includeTags,
		excludeTags:  excludeTags,
	}
}

// WithPolicy compiles a Rego module defining data.cartograph.admit and
// evaluates it for every entity.
func (f *Filter) WithPolicy(ctx context.Context, name, module string) (*Filter, error) {
	prepared, err := rego.New(
		rego.Query(PolicyQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}
	f.policy = &prepared
	log.Info().Str("policy_name", name).Msg("Admission policy loaded")
	return f, nil
}

// ShouldScanType returns true if the given entity type should be scanned.
func (f *Filter) ShouldScanType(entityType string) bool {
	return !f.excludeTypes[entityType]
}

// Admit reports whether bag passes the tag filters and the policy.
func (f *Filter) Admit(ctx context.Context, entityType string, bag graph.Bag) bool {
	if !f.ShouldIncludeTags(tagsOf(bag)) {
		return false
	}
	if f.policy == nil {
		return true
	}
	ok, err := f.evaluate(ctx, entityType, bag)
	if err != nil {
		// Rejecting on error would let the sweep delete everything the
		// policy failed on, so evaluation errors admit.
		log.Warn().Err(err).Str("entity_type", entityType).Msg("Admission policy failed, admitting entity")
		return true
	}
	if !ok {
		log.Debug().Str("entity_type", entityType).Msg("Entity rejected by admission policy")
	}
	return ok
}

func (f *Filter) evaluate(ctx context.Context, entityType string, bag graph.Bag) (bool, error) {
	results, err := f.policy.Eval(ctx, rego.EvalInput(map[string]any{
		"entityType": entityType,
		"entity":     map[string]any(bag),
	}))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, nil
	}
	admit, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("admit is %T, want bool", results[0].Expressions[0].Value)
	}
	return admit, nil
}

// ShouldIncludeTags returns true if tags pass the tag filters.
func (f *Filter) ShouldIncludeTags(tags map[string]string) bool {
	// Check include tags (whitelist) - ALL must match
	for k, v := range f.includeTags {
		if tags[k] != v {
			return false
		}
	}

	// Check exclude tags (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if got, ok := tags[k]; ok && got == v {
			return false
		}
	}

	return true
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeTypes) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0 && f.policy == nil
}

// tagsOf reads provider tags or Kubernetes labels from a bag.
func tagsOf(bag graph.Bag) map[string]string {
	for _, key := range []string{"tags", "labels"} {
		switch t := bag[key].(type) {
		case map[string]string:
			return t
		case map[string]any:
			out := make(map[string]string, len(t))
			for k, v := range t {
				out[k] = fmt.Sprint(v)
			}
			return out
		}
	}
	return nil
}
