// Package digitalocean scans DigitalOcean accounts into the graph.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/digitalocean/godo"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// ProviderName is the entityGroup of every DigitalOcean node.
const ProviderName = "digitalocean"

// Entity labels.
const (
	AccountLabel = "DigitalOceanAccount"
	RegionLabel  = "DigitalOceanRegion"
	DropletLabel = "DigitalOceanDroplet"
)

// pageSize is the largest page the API serves.
const pageSize = 100

// AccountAPI is the subset of godo.AccountService used here.
type AccountAPI interface {
	Get(ctx context.Context) (*godo.Account, *godo.Response, error)
}

// RegionsAPI is the subset of godo.RegionsService used here.
type RegionsAPI interface {
	List(ctx context.Context, opt *godo.ListOptions) ([]godo.Region, *godo.Response, error)
}

// DropletsAPI is the subset of godo.DropletsService used here.
type DropletsAPI interface {
	List(ctx context.Context, opt *godo.ListOptions) ([]godo.Droplet, *godo.Response, error)
	Get(ctx context.Context, dropletID int) (*godo.Droplet, *godo.Response, error)
}

// Clients groups the DigitalOcean services the scanners call.
type Clients struct {
	Account  AccountAPI
	Regions  RegionsAPI
	Droplets DropletsAPI
}

// NewClients wraps a godo client.
func NewClients(c *godo.Client) *Clients {
	return &Clients{Account: c.Account, Regions: c.Regions, Droplets: c.Droplets}
}

// Provider builds DigitalOcean scanners over one API token.
type Provider struct {
	clients *Clients
}

// New returns a provider authenticating with token.
func New(token string) (*Provider, error) {
	if token == "" {
		return nil, errors.New("digitalocean: token is required")
	}
	c := godo.NewFromToken(token)
	c.UserAgent = "cartograph"
	return WithClients(NewClients(c)), nil
}

// WithClients returns a provider over the given service clients.
func WithClients(c *Clients) *Provider {
	return &Provider{clients: c}
}

// Scope resolves the scope of the token's account.
func (p *Provider) Scope(ctx context.Context) (graph.Scope, error) {
	acct, _, err := p.clients.Account.Get(ctx)
	if err != nil {
		return graph.Scope{}, fmt.Errorf("digitalocean: get account: %w", err)
	}
	if acct.UUID == "" {
		return graph.Scope{}, errors.New("digitalocean: account has no uuid")
	}
	return graph.NewScope(map[string]string{graph.AccountKey: acct.UUID}), nil
}

// Scanner builds the scanner for entityType in scope.
func (p *Provider) Scanner(entityType string, scope graph.Scope) (scan.Scanner, error) {
	if scope.Get(graph.AccountKey) == "" {
		return nil, fmt.Errorf("digitalocean %s: scope %q has no account", entityType, scope)
	}
	account := scope.Get(graph.AccountKey)
	switch entityType {
	case AccountLabel:
		return &accountScanner{api: p.clients.Account, account: account}, nil
	case RegionLabel:
		return &regionScanner{api: p.clients.Regions, account: account}, nil
	case DropletLabel:
		return &dropletScanner{api: p.clients.Droplets, account: account}, nil
	}
	return nil, fmt.Errorf("digitalocean: unknown entity type %q", entityType)
}

// EntityTypes lists every supported label.
func EntityTypes() []string {
	return []string{AccountLabel, RegionLabel, DropletLabel}
}

// Register adds a factory for every DigitalOcean entity type.
func (p *Provider) Register(reg *scan.Registry) {
	for _, typ := range EntityTypes() {
		reg.Register(scan.Registration{
			Provider:   ProviderName,
			EntityType: typ,
			Factory: func(scope graph.Scope) (scan.Scanner, error) {
				return p.Scanner(typ, scope)
			},
		})
	}
	log.Debug().Int("entity_types", len(EntityTypes())).Msg("Registered DigitalOcean scanners")
}

// isNotFound reports whether err is an API 404.
func isNotFound(err error) bool {
	var errResp *godo.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil &&
		errResp.Response.StatusCode == http.StatusNotFound
}

// rateLimit converts the response rate headers into scan advice.
func rateLimit(resp *godo.Response) *scan.RateLimit {
	if resp == nil || resp.Rate.Limit == 0 {
		return nil
	}
	return &scan.RateLimit{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		Reset:     resp.Rate.Reset.Time,
	}
}

// pageIn parses a continuation token into list options.
func pageIn(token string) (*godo.ListOptions, error) {
	opt := &godo.ListOptions{Page: 1, PerPage: pageSize}
	if token == "" {
		return opt, nil
	}
	if _, err := fmt.Sscanf(token, "%d", &opt.Page); err != nil || opt.Page < 1 {
		return nil, fmt.Errorf("invalid page token %q", token)
	}
	return opt, nil
}

// pageOut returns the token for the page after opt, or "" on the last page.
// A short page ends enumeration even when links are missing.
func pageOut(opt *godo.ListOptions, n int, resp *godo.Response) string {
	if n < opt.PerPage {
		return ""
	}
	if resp != nil && resp.Links != nil && resp.Links.IsLastPage() {
		return ""
	}
	return fmt.Sprint(opt.Page + 1)
}
