// Package scan drives entity scanners and reconciles what they observe
// into the graph.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/cartograph/internal/graph"
)

// ErrNotFound is returned by Scanner.Get when the provider positively
// reports that the entity does not exist.
var ErrNotFound = errors.New("scan: entity not found")

// Scanner enumerates one entity type within one scope. Implementations
// are provider specific; the orchestrator owns merge, sweep and
// relationship handling.
type Scanner interface {
	// EntityType is the graph label of the entities this scanner produces.
	EntityType() string
	// IdentityKeys names the bag attributes identifying an entity.
	IdentityKeys() []string
	// ScopeMode decides which scope attributes constrain the sweep.
	ScopeMode() graph.ScopeMode
	// Relationships lists the rules re-asserted after each full pass.
	Relationships() []graph.Relationship

	// ListPage fetches one page. An empty token requests the first page; an
	// empty Page.Next ends enumeration.
	ListPage(ctx context.Context, token string) (Page, error)
	// Get fetches a single entity by provider id, returning ErrNotFound
	// when it no longer exists.
	Get(ctx context.Context, id string) (graph.Bag, error)
	// LookupID extracts the provider id from a stored or observed bag.
	LookupID(bag graph.Bag) (string, bool)
	// MatchByID returns the attributes matching the stored node for id.
	MatchByID(id string) graph.Bag
}

// Page is one page of enumeration results.
type Page struct {
	Items     []Item
	Next      string
	RateLimit *RateLimit
}

// Item is one enumerated entity. A non-nil Err means the raw resource
// could not be mapped and the entity is skipped.
type Item struct {
	Bag graph.Bag
	Err error
}

// RateLimit is provider advice about remaining request budget.
type RateLimit struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Bags wraps already-mapped bags as items.
func Bags(bags ...graph.Bag) []Item {
	items := make([]Item, len(bags))
	for i, b := range bags {
		items[i] = Item{Bag: b}
	}
	return items
}
