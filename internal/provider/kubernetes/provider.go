// Package kubernetes scans Kubernetes clusters into the graph. EKS clusters
// are reached with a bearer token kept fresh by the credentials package.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clientset "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/yairfalse/cartograph/internal/credentials"
	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// ProviderName is the entityGroup of every Kubernetes node.
const ProviderName = "kubernetes"

// ClusterKey is the scope attribute naming the cluster.
const ClusterKey = "cluster"

// NamespaceLabel is the label of namespace nodes.
const NamespaceLabel = "KubeNamespace"

// NamespacesAPI is the subset of the core/v1 namespace client used here.
type NamespacesAPI interface {
	List(ctx context.Context, opts metav1.ListOptions) (*corev1.NamespaceList, error)
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.Namespace, error)
}

// Cluster is a connected cluster.
type Cluster struct {
	Name string
	// Arn links namespaces to the EKS cluster node. Empty for other clusters.
	Arn        string
	Namespaces NamespacesAPI

	creds *credentials.Client
}

// Credentials returns the token client of an EKS cluster, or nil.
func (c *Cluster) Credentials() *credentials.Client {
	return c.creds
}

// Close releases the cluster's token slot.
func (c *Cluster) Close() error {
	if c.creds == nil {
		return nil
	}
	return c.creds.Close()
}

// ConnectEKS builds a client for cl whose requests carry the current token
// from a new slot in tokens. The first token is generated before returning.
func ConnectEKS(ctx context.Context, tokens *credentials.Registry, cl credentials.Cluster, gen credentials.TokenFunc) (*Cluster, error) {
	creds, err := tokens.NewClient(ctx, cl.Name, gen)
	if err != nil {
		return nil, err
	}
	cfg := &rest.Config{
		Host:            cl.Endpoint,
		TLSClientConfig: rest.TLSClientConfig{CAData: cl.CAData},
		WrapTransport:   creds.Transport,
		UserAgent:       "cartograph",
	}
	cs, err := clientset.NewForConfig(cfg)
	if err != nil {
		_ = creds.Close()
		return nil, fmt.Errorf("kubernetes client for %s: %w", cl.Name, err)
	}
	log.Info().Str("cluster", cl.Name).Str("endpoint", cl.Endpoint).Msg("Connected to EKS cluster")
	return &Cluster{Name: cl.Name, Arn: cl.Arn, Namespaces: cs.CoreV1().Namespaces(), creds: creds}, nil
}

// Provider builds scanners for the clusters added to it.
type Provider struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
}

// New returns a provider with no clusters.
func New() *Provider {
	return &Provider{clusters: make(map[string]*Cluster)}
}

// AddCluster makes c scannable under scopes naming it.
func (p *Provider) AddCluster(c *Cluster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clusters[c.Name] = c
}

// Clusters returns the connected cluster names, sorted.
func (p *Provider) Clusters() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.clusters))
	for name := range p.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scope returns the scope of cluster within an AWS account and region.
func Scope(account, region, cluster string) graph.Scope {
	return graph.NewScope(map[string]string{
		graph.AccountKey: account,
		graph.RegionKey:  region,
		ClusterKey:       cluster,
	})
}

// Scanner builds the scanner for entityType in scope.
func (p *Provider) Scanner(entityType string, scope graph.Scope) (scan.Scanner, error) {
	if entityType != NamespaceLabel {
		return nil, fmt.Errorf("kubernetes: unknown entity type %q", entityType)
	}
	name := scope.Get(ClusterKey)
	p.mu.RLock()
	c, ok := p.clusters[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kubernetes: no cluster %q in scope %s", name, scope)
	}
	return &namespaceScanner{api: c.Namespaces, clusterArn: c.Arn}, nil
}

// Register adds the namespace scanner factory.
func (p *Provider) Register(reg *scan.Registry) {
	reg.Register(scan.Registration{
		Provider:   ProviderName,
		EntityType: NamespaceLabel,
		Factory: func(scope graph.Scope) (scan.Scanner, error) {
			return p.Scanner(NamespaceLabel, scope)
		},
	})
}

// Close releases every cluster's token slot.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, c := range p.clusters {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(p.clusters, name)
	}
	return errors.Join(errs...)
}
