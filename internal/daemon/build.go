package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/config"
	"github.com/yairfalse/cartograph/internal/credentials"
	"github.com/yairfalse/cartograph/internal/filter"
	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/graph/memstore"
	"github.com/yairfalse/cartograph/internal/graph/neo4j"
	"github.com/yairfalse/cartograph/internal/provider/aws"
	"github.com/yairfalse/cartograph/internal/provider/digitalocean"
	"github.com/yairfalse/cartograph/internal/provider/kubernetes"
	"github.com/yairfalse/cartograph/internal/scan"
)

// Build connects to the graph and every configured provider and returns a
// daemon ready to Run. Any failure here is a configuration error.
func Build(ctx context.Context, cfg *config.Config, metrics http.Handler) (*Daemon, error) {
	store, err := OpenStore(ctx, cfg.Graph)
	if err != nil {
		return nil, err
	}
	deps := Deps{Store: store, Registry: scan.NewRegistry(), Metrics: metrics}
	fail := func(err error) (*Daemon, error) {
		for _, c := range deps.Closers {
			_ = c()
		}
		_ = store.Close(ctx)
		return nil, err
	}

	admitter, err := NewFilter(ctx, cfg.Filter)
	if err != nil {
		return fail(err)
	}
	deps.Admitter = admitter

	var refresh []eksRefresh
	if cfg.AWS.Enabled {
		refresh, err = addAWS(ctx, cfg, &deps)
		if err != nil {
			return fail(err)
		}
	}
	if cfg.DigitalOcean.Enabled {
		if err := addDigitalOcean(ctx, cfg, &deps); err != nil {
			return fail(err)
		}
	}

	d, err := New(cfg, deps)
	if err != nil {
		return fail(err)
	}
	for _, r := range refresh {
		credentials.Refresh(d.Control(), r.creds, r.gen, cfg.Kubernetes.TokenRefresh)
	}
	return d, nil
}

// OpenStore returns the in-process graph for memory:// and a Neo4j store
// otherwise.
func OpenStore(ctx context.Context, cfg config.GraphConfig) (graph.Store, error) {
	if cfg.InMemory() {
		log.Warn().Msg("Using the in-memory graph; nothing is persisted")
		return memstore.New(), nil
	}
	store, err := neo4j.New(ctx, neo4j.Config{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
		MaxPool:  cfg.MaxPool,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewFilter builds the admission filter, compiling the policy file if set.
func NewFilter(ctx context.Context, cfg config.FilterConfig) (*filter.Filter, error) {
	f := filter.New(cfg.ExcludeTypes, cfg.IncludeTags, cfg.ExcludeTags)
	if cfg.Policy == "" {
		return f, nil
	}
	module, err := os.ReadFile(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return f.WithPolicy(ctx, filepath.Base(cfg.Policy), string(module))
}

// Targets expands every entity type of provider over scopes. Types whose
// scanner ignores the region are kept once per account-level scope.
func Targets(reg *scan.Registry, provider string, types []string, scopes []graph.Scope, interval func(string) time.Duration) ([]scan.Target, error) {
	var out []scan.Target
	seen := make(map[string]bool)
	for _, typ := range types {
		r, ok := reg.Get(provider, typ)
		if !ok {
			return nil, fmt.Errorf("%s: unknown entity type %q", provider, typ)
		}
		for _, scope := range scopes {
			sc, err := r.Factory(scope)
			if err != nil {
				return nil, err
			}
			key := provider + "/" + typ + "/" + sc.ScopeMode().Filter(scope).String()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, scan.Target{Provider: provider, Scope: scope, EntityType: typ, Interval: interval(typ)})
		}
	}
	return out, nil
}

type eksRefresh struct {
	creds *credentials.Client
	gen   credentials.TokenFunc
}

func addAWS(ctx context.Context, cfg *config.Config, deps *Deps) ([]eksRefresh, error) {
	p, err := aws.Load(ctx, cfg.AWS.Profile)
	if err != nil {
		return nil, err
	}
	account := cfg.AWS.Account
	if account == "" {
		account, err = p.Account(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve aws account: %w", err)
		}
	}
	p.Register(deps.Registry)

	types := cfg.AWS.EntityTypes
	if len(types) == 0 {
		types = aws.EntityTypes()
	}
	scopes := make([]graph.Scope, 0, len(cfg.AWS.Regions))
	for _, region := range cfg.AWS.Regions {
		scopes = append(scopes, aws.Scope(account, region))
	}
	targets, err := Targets(deps.Registry, aws.ProviderName, types, scopes, cfg.Scanner.IntervalFor)
	if err != nil {
		return nil, err
	}
	deps.Targets = append(deps.Targets, targets...)
	log.Info().Str("account", account).Strs("regions", cfg.AWS.Regions).Int("targets", len(targets)).Msg("AWS provider configured")

	if len(cfg.Kubernetes.EKSClusters) == 0 {
		return nil, nil
	}
	return addEKS(ctx, cfg, p.Config(), account, deps)
}

func addEKS(ctx context.Context, cfg *config.Config, base awssdk.Config, account string, deps *Deps) ([]eksRefresh, error) {
	kube := kubernetes.New()
	tokens := credentials.NewRegistry()
	deps.Closers = append(deps.Closers, kube.Close)
	kube.Register(deps.Registry)

	var refresh []eksRefresh
	for _, cl := range cfg.Kubernetes.EKSClusters {
		region := cl.Region
		if region == "" {
			region = cfg.AWS.Regions[0]
		}
		awsCfg := base.Copy()
		awsCfg.Region = region

		cluster, err := credentials.NewEKSResolver(eks.NewFromConfig(awsCfg)).ResolveEndpoint(ctx, cl.Name)
		if err != nil {
			return nil, err
		}
		gen := credentials.NewEKSTokenGenerator(sts.NewPresignClient(sts.NewFromConfig(awsCfg)), cluster.Name).TokenFunc()
		conn, err := kubernetes.ConnectEKS(ctx, tokens, cluster, gen)
		if err != nil {
			return nil, err
		}
		kube.AddCluster(conn)
		refresh = append(refresh, eksRefresh{creds: conn.Credentials(), gen: gen})
		deps.Targets = append(deps.Targets, scan.Target{
			Provider:   kubernetes.ProviderName,
			Scope:      kubernetes.Scope(account, region, cluster.Name),
			EntityType: kubernetes.NamespaceLabel,
			Interval:   cfg.Scanner.IntervalFor(kubernetes.NamespaceLabel),
		})
	}
	return refresh, nil
}

func addDigitalOcean(ctx context.Context, cfg *config.Config, deps *Deps) error {
	p, err := digitalocean.New(cfg.DigitalOcean.Token)
	if err != nil {
		return err
	}
	scope, err := p.Scope(ctx)
	if err != nil {
		return fmt.Errorf("resolve digitalocean account: %w", err)
	}
	p.Register(deps.Registry)

	targets, err := Targets(deps.Registry, digitalocean.ProviderName, digitalocean.EntityTypes(), []graph.Scope{scope}, cfg.Scanner.IntervalFor)
	if err != nil {
		return err
	}
	deps.Targets = append(deps.Targets, targets...)
	log.Info().Str("account", scope.Get(graph.AccountKey)).Int("targets", len(targets)).Msg("DigitalOcean provider configured")
	return nil
}
