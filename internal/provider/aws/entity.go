package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// lister fetches one page. token is "" for the first page; an empty next
// ends enumeration.
type lister func(ctx context.Context, token string) (items []scan.Item, next string, err error)

// getter fetches one entity by id. A nil bag with a nil error means absent.
type getter func(ctx context.Context, id string) (graph.Bag, error)

// entity is a table-driven scan.Scanner. Each resource kind supplies its
// label, identity, relationship rules and API calls.
type entity struct {
	typ   string
	keys  []string
	idKey string
	mode  graph.ScopeMode
	rels  []graph.Relationship
	list  lister
	get   getter
}

var _ scan.Scanner = (*entity)(nil)

func (e *entity) EntityType() string                  { return e.typ }
func (e *entity) IdentityKeys() []string              { return e.keys }
func (e *entity) ScopeMode() graph.ScopeMode          { return e.mode }
func (e *entity) Relationships() []graph.Relationship { return e.rels }

func (e *entity) ListPage(ctx context.Context, token string) (scan.Page, error) {
	items, next, err := e.list(ctx, token)
	if err != nil {
		return scan.Page{}, fmt.Errorf("list %s: %w", e.typ, err)
	}
	return scan.Page{Items: items, Next: next}, nil
}

// Get uses the kind's direct lookup when it has one and otherwise pages
// through the listing.
func (e *entity) Get(ctx context.Context, id string) (graph.Bag, error) {
	if e.get != nil {
		bag, err := e.get(ctx, id)
		switch {
		case isNotFound(err):
			return nil, fmt.Errorf("%s %s: %w", e.typ, id, scan.ErrNotFound)
		case err != nil:
			return nil, fmt.Errorf("get %s %s: %w", e.typ, id, err)
		case bag == nil:
			return nil, fmt.Errorf("%s %s: %w", e.typ, id, scan.ErrNotFound)
		}
		return bag, nil
	}

	token := ""
	for {
		items, next, err := e.list(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("get %s %s: %w", e.typ, id, err)
		}
		for _, it := range items {
			if it.Err == nil && it.Bag.String(e.idKey) == id {
				return it.Bag, nil
			}
		}
		if next == "" {
			return nil, fmt.Errorf("%s %s: %w", e.typ, id, scan.ErrNotFound)
		}
		token = next
	}
}

func (e *entity) LookupID(bag graph.Bag) (string, bool) {
	id := bag.String(e.idKey)
	return id, id != ""
}

func (e *entity) MatchByID(id string) graph.Bag {
	return graph.Bag{e.idKey: id}
}

// isNotFound reports whether err is an AWS API error meaning the resource
// does not exist.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case strings.Contains(code, "NotFound"),
			strings.HasPrefix(code, "NoSuch"),
			code == "QueueDoesNotExist",
			code == "AWS.SimpleQueueService.NonExistentQueue":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// token conversions between the scan contract and SDK pointers.

func tokenIn(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func tokenOut(p *string) string {
	return aws.ToString(p)
}

// listed wraps already-mapped bags as a page result.
func listed(bags []graph.Bag, next *string) ([]scan.Item, string, error) {
	return scan.Bags(bags...), tokenOut(next), nil
}

// arn builds an ARN for kinds whose API does not return one.
func arn(service string, scope graph.Scope, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, scope.Get(graph.RegionKey), scope.Get(graph.AccountKey), resource)
}

// rel is shorthand for an attribute-join rule.
func rel(from, typ, to, fromAttr, toAttr string, join graph.Join) graph.Relationship {
	return graph.Relationship{From: from, Type: typ, To: to, FromAttr: fromAttr, ToAttr: toAttr, Join: join}
}

// accountHas relates the account node to every entity of label in it.
// The account carries no region, so the rule is not restricted to the
// pass scope; the join on account keeps it exact.
func accountHas(label string) graph.Relationship {
	r := rel(AccountLabel, "HAS", label, graph.AccountKey, graph.AccountKey, graph.JoinEquals)
	r.Unscoped = true
	return r
}

func usesSecurityGroups(from string) graph.Relationship {
	return rel(from, "USES", SecurityGroupLabel, "securityGroupIds", "groupId", graph.JoinContains)
}

func residesInSubnets(from string) graph.Relationship {
	return rel(from, "RESIDES_IN", SubnetLabel, "subnetIds", "subnetId", graph.JoinContains)
}
