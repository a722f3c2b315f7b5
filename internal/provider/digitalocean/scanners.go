package digitalocean

import (
	"context"
	"fmt"
	"strconv"

	"github.com/digitalocean/godo"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// Region nodes are per account, so droplets join them on accountRegion
// rather than the bare slug.
const accountRegionKey = "accountRegion"

func accountRegion(account, slug string) string {
	if slug == "" {
		return ""
	}
	return account + "/" + slug
}

// accountScanner produces the single DigitalOceanAccount node of the scope.
type accountScanner struct {
	api     AccountAPI
	account string
}

func (s *accountScanner) EntityType() string                  { return AccountLabel }
func (s *accountScanner) IdentityKeys() []string              { return []string{graph.AccountKey} }
func (s *accountScanner) ScopeMode() graph.ScopeMode          { return graph.ScopeExclusive }
func (s *accountScanner) Relationships() []graph.Relationship { return nil }

func (s *accountScanner) fetch(ctx context.Context) (graph.Bag, *godo.Response, error) {
	acct, resp, err := s.api.Get(ctx)
	if err != nil {
		return nil, resp, fmt.Errorf("get account: %w", err)
	}
	if acct.UUID != s.account {
		return nil, resp, fmt.Errorf("token belongs to account %s, scope wants %s", acct.UUID, s.account)
	}
	return graph.Bag{
		graph.AccountKey: acct.UUID,
		"email":          acct.Email,
		"emailVerified":  acct.EmailVerified,
		"status":         acct.Status,
		"statusMessage":  acct.StatusMessage,
		"dropletLimit":   acct.DropletLimit,
		"volumeLimit":    acct.VolumeLimit,
	}, resp, nil
}

func (s *accountScanner) ListPage(ctx context.Context, _ string) (scan.Page, error) {
	bag, resp, err := s.fetch(ctx)
	if err != nil {
		return scan.Page{}, err
	}
	return scan.Page{Items: scan.Bags(bag), RateLimit: rateLimit(resp)}, nil
}

func (s *accountScanner) Get(ctx context.Context, id string) (graph.Bag, error) {
	if id != s.account {
		return nil, fmt.Errorf("account %s: %w", id, scan.ErrNotFound)
	}
	bag, _, err := s.fetch(ctx)
	return bag, err
}

func (s *accountScanner) LookupID(bag graph.Bag) (string, bool) {
	id := bag.String(graph.AccountKey)
	return id, id != ""
}

func (s *accountScanner) MatchByID(id string) graph.Bag {
	return graph.Bag{graph.AccountKey: id}
}

// regionScanner lists the regions visible to the account.
type regionScanner struct {
	api     RegionsAPI
	account string
}

func (s *regionScanner) EntityType() string         { return RegionLabel }
func (s *regionScanner) IdentityKeys() []string     { return []string{graph.AccountKey, "region"} }
func (s *regionScanner) ScopeMode() graph.ScopeMode { return graph.ScopeExclusive }

func (s *regionScanner) Relationships() []graph.Relationship {
	return []graph.Relationship{{
		From: AccountLabel, Type: "HAS", To: RegionLabel,
		FromAttr: graph.AccountKey, ToAttr: graph.AccountKey, Join: graph.JoinEquals,
	}}
}

func (s *regionScanner) convert(r godo.Region) graph.Bag {
	return graph.Bag{
		"region":         r.Slug,
		"name":           r.Name,
		"available":      r.Available,
		"sizes":          r.Sizes,
		"features":       r.Features,
		accountRegionKey: accountRegion(s.account, r.Slug),
	}
}

func (s *regionScanner) ListPage(ctx context.Context, token string) (scan.Page, error) {
	opt, err := pageIn(token)
	if err != nil {
		return scan.Page{}, err
	}
	regions, resp, err := s.api.List(ctx, opt)
	if err != nil {
		return scan.Page{}, fmt.Errorf("list regions: %w", err)
	}
	items := make([]scan.Item, 0, len(regions))
	for _, r := range regions {
		items = append(items, scan.Item{Bag: s.convert(r)})
	}
	return scan.Page{Items: items, Next: pageOut(opt, len(regions), resp), RateLimit: rateLimit(resp)}, nil
}

// Get pages through the catalogue; the API has no single-region lookup.
func (s *regionScanner) Get(ctx context.Context, id string) (graph.Bag, error) {
	token := ""
	for {
		page, err := s.ListPage(ctx, token)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			if it.Bag.String("region") == id {
				return it.Bag, nil
			}
		}
		if page.Next == "" {
			return nil, fmt.Errorf("region %s: %w", id, scan.ErrNotFound)
		}
		token = page.Next
	}
}

func (s *regionScanner) LookupID(bag graph.Bag) (string, bool) {
	id := bag.String("region")
	return id, id != ""
}

func (s *regionScanner) MatchByID(id string) graph.Bag {
	return graph.Bag{graph.AccountKey: s.account, "region": id}
}

// dropletScanner lists droplets in every region of the account and
// passes the API rate headers on as scan advice.
type dropletScanner struct {
	api     DropletsAPI
	account string
}

func (s *dropletScanner) EntityType() string         { return DropletLabel }
func (s *dropletScanner) IdentityKeys() []string     { return []string{"id"} }
func (s *dropletScanner) ScopeMode() graph.ScopeMode { return graph.ScopeExclusive }

func (s *dropletScanner) Relationships() []graph.Relationship {
	return []graph.Relationship{
		{
			From: AccountLabel, Type: "HAS", To: DropletLabel,
			FromAttr: graph.AccountKey, ToAttr: graph.AccountKey, Join: graph.JoinEquals,
		},
		{
			From: DropletLabel, Type: "RESIDES_IN", To: RegionLabel,
			FromAttr: accountRegionKey, ToAttr: accountRegionKey, Join: graph.JoinEquals,
		},
	}
}

func (s *dropletScanner) ListPage(ctx context.Context, token string) (scan.Page, error) {
	opt, err := pageIn(token)
	if err != nil {
		return scan.Page{}, err
	}
	droplets, resp, err := s.api.List(ctx, opt)
	if err != nil {
		return scan.Page{}, fmt.Errorf("list droplets: %w", err)
	}
	items := make([]scan.Item, 0, len(droplets))
	for i := range droplets {
		items = append(items, scan.Item{Bag: convertDroplet(s.account, &droplets[i])})
	}
	return scan.Page{Items: items, Next: pageOut(opt, len(droplets), resp), RateLimit: rateLimit(resp)}, nil
}

func (s *dropletScanner) Get(ctx context.Context, id string) (graph.Bag, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("droplet id %q: %w", id, err)
	}
	d, _, err := s.api.Get(ctx, n)
	switch {
	case isNotFound(err):
		return nil, fmt.Errorf("droplet %s: %w", id, scan.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("get droplet %s: %w", id, err)
	case d == nil:
		return nil, fmt.Errorf("droplet %s: %w", id, scan.ErrNotFound)
	}
	return convertDroplet(s.account, d), nil
}

func (s *dropletScanner) LookupID(bag graph.Bag) (string, bool) {
	id := bag.String("id")
	return id, id != ""
}

func (s *dropletScanner) MatchByID(id string) graph.Bag {
	return graph.Bag{"id": id}
}

// convertDroplet flattens the image, region and v4 networks into top-level
// attributes.
func convertDroplet(account string, d *godo.Droplet) graph.Bag {
	b := graph.Bag{
		"id":       strconv.Itoa(d.ID),
		"name":     d.Name,
		"memory":   d.Memory,
		"vcpus":    d.Vcpus,
		"disk":     d.Disk,
		"status":   d.Status,
		"locked":   d.Locked,
		"created":  d.Created,
		"sizeSlug": d.SizeSlug,
		"vpcUuid":  d.VPCUUID,
	}
	if len(d.Tags) > 0 {
		b["tags"] = d.Tags
	}
	if len(d.Features) > 0 {
		b["features"] = d.Features
	}
	if d.Image != nil {
		b["imageId"] = d.Image.ID
		b["imageName"] = d.Image.Name
	}
	if d.Region != nil {
		b["region"] = d.Region.Slug
		b[accountRegionKey] = accountRegion(account, d.Region.Slug)
	}
	if d.Networks != nil {
		for _, n := range d.Networks.V4 {
			switch n.Type {
			case "public":
				b["publicIpAddress"] = n.IPAddress
				b["publicNetmask"] = n.Netmask
				b["publicGateway"] = n.Gateway
			case "private":
				b["privateIpAddress"] = n.IPAddress
				b["privateNetmask"] = n.Netmask
				b["privateGateway"] = n.Gateway
			}
		}
	}
	return b
}
