package kubernetes

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/provider/aws"
	"github.com/yairfalse/cartograph/internal/scan"
)

// listLimit is the page size requested from the API server.
const listLimit = 500

type namespaceScanner struct {
	api        NamespacesAPI
	clusterArn string
}

func (s *namespaceScanner) EntityType() string         { return NamespaceLabel }
func (s *namespaceScanner) IdentityKeys() []string     { return []string{"uid"} }
func (s *namespaceScanner) ScopeMode() graph.ScopeMode { return graph.ScopeInclusive }

// Relationships links namespaces to their EKS cluster. The cluster node is
// scoped by account and region only, so the rule is unscoped and joins on
// the cluster ARN.
func (s *namespaceScanner) Relationships() []graph.Relationship {
	return []graph.Relationship{{
		From:     aws.EKSClusterLabel,
		Type:     "HAS",
		To:       NamespaceLabel,
		FromAttr: "arn",
		ToAttr:   "clusterArn",
		Join:     graph.JoinEquals,
		Unscoped: true,
	}}
}

func (s *namespaceScanner) ListPage(ctx context.Context, token string) (scan.Page, error) {
	list, err := s.api.List(ctx, metav1.ListOptions{Limit: listLimit, Continue: token})
	if err != nil {
		return scan.Page{}, fmt.Errorf("list namespaces: %w", err)
	}
	items := make([]scan.Item, 0, len(list.Items))
	for i := range list.Items {
		items = append(items, scan.Item{Bag: s.convert(&list.Items[i])})
	}
	return scan.Page{Items: items, Next: list.Continue}, nil
}

func (s *namespaceScanner) Get(ctx context.Context, id string) (graph.Bag, error) {
	ns, err := s.api.Get(ctx, id, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		return nil, fmt.Errorf("namespace %s: %w", id, scan.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("get namespace %s: %w", id, err)
	}
	return s.convert(ns), nil
}

func (s *namespaceScanner) LookupID(bag graph.Bag) (string, bool) {
	id := bag.String("name")
	return id, id != ""
}

func (s *namespaceScanner) MatchByID(id string) graph.Bag {
	return graph.Bag{"name": id}
}

func (s *namespaceScanner) convert(ns *corev1.Namespace) graph.Bag {
	b := graph.Bag{
		"name":            ns.Name,
		"uid":             string(ns.UID),
		"phase":           string(ns.Status.Phase),
		"resourceVersion": ns.ResourceVersion,
	}
	if !ns.CreationTimestamp.IsZero() {
		b["creationTimestamp"] = ns.CreationTimestamp.Time
	}
	if len(ns.Labels) > 0 {
		b["labels"] = ns.Labels
	}
	if s.clusterArn != "" {
		b["clusterArn"] = s.clusterArn
	}
	return b
}
