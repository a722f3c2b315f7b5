package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"
)

const (
	// EKSTokenPrefix marks a presigned GetCallerIdentity URL as an EKS token.
	EKSTokenPrefix = "k8s-aws-v1."

	clusterIDHeader = "x-k8s-aws-id"
	presignExpires  = "60"

	// EKS accepts tokens for 15 minutes; report a minute less.
	eksTokenLifetime = 14 * time.Minute
)

// ErrClusterNotFound is returned when no cluster matches a lookup.
var ErrClusterNotFound = errors.New("credentials: eks cluster not found")

// Presigner is the subset of *sts.PresignClient used to build tokens.
type Presigner interface {
	PresignGetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// EKSTokenGenerator builds bearer tokens for an EKS control plane.
type EKSTokenGenerator struct {
	Presigner Presigner
	Cluster   string

	now func() time.Time
}

// NewEKSTokenGenerator returns a generator for cluster using presigner.
func NewEKSTokenGenerator(presigner Presigner, cluster string) *EKSTokenGenerator {
	return &EKSTokenGenerator{Presigner: presigner, Cluster: cluster, now: time.Now}
}

// Generate presigns sts:GetCallerIdentity bound to the cluster name and
// encodes the URL as a token.
func (g *EKSTokenGenerator) Generate(ctx context.Context) (Token, error) {
	if g.Cluster == "" {
		return Token{}, fmt.Errorf("eks token: cluster name required")
	}
	req, err := g.Presigner.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, sts.WithAPIOptions(
			smithyhttp.AddHeaderValue(clusterIDHeader, g.Cluster),
			smithyhttp.AddHeaderValue("X-Amz-Expires", presignExpires),
		))
	})
	if err != nil {
		return Token{}, fmt.Errorf("presign caller identity for %s: %w", g.Cluster, err)
	}

	now := time.Now
	if g.now != nil {
		now = g.now
	}
	return Token{
		Value:      EKSTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(req.URL)),
		Expiration: now().Add(eksTokenLifetime),
	}, nil
}

// TokenFunc adapts Generate for NewClient and Refresh.
func (g *EKSTokenGenerator) TokenFunc() TokenFunc {
	return g.Generate
}

// EKSAPI is the subset of the EKS client used to resolve clusters.
type EKSAPI interface {
	ListClusters(ctx context.Context, params *eks.ListClustersInput, optFns ...func(*eks.Options)) (*eks.ListClustersOutput, error)
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

// Cluster is the connection information for an EKS control plane.
type Cluster struct {
	Name     string
	Arn      string
	Endpoint string
	CAData   []byte
}

// EKSResolver finds cluster endpoints by name and names by endpoint.
type EKSResolver struct {
	client EKSAPI
}

// NewEKSResolver returns a resolver backed by client.
func NewEKSResolver(client EKSAPI) *EKSResolver {
	return &EKSResolver{client: client}
}

// ResolveEndpoint returns the endpoint and certificate authority for name.
func (r *EKSResolver) ResolveEndpoint(ctx context.Context, name string) (Cluster, error) {
	out, err := r.client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: &name})
	if err != nil {
		return Cluster{}, fmt.Errorf("describe cluster %s: %w", name, err)
	}
	if out.Cluster == nil || out.Cluster.Endpoint == nil {
		return Cluster{}, fmt.Errorf("%w: %s", ErrClusterNotFound, name)
	}
	c := Cluster{Name: name, Endpoint: *out.Cluster.Endpoint}
	if out.Cluster.Name != nil {
		c.Name = *out.Cluster.Name
	}
	if out.Cluster.Arn != nil {
		c.Arn = *out.Cluster.Arn
	}
	if ca := out.Cluster.CertificateAuthority; ca != nil && ca.Data != nil {
		data, err := base64.StdEncoding.DecodeString(*ca.Data)
		if err != nil {
			return Cluster{}, fmt.Errorf("decode certificate authority for %s: %w", name, err)
		}
		c.CAData = data
	}
	log.Debug().Str("cluster", c.Name).Str("endpoint", c.Endpoint).Msg("Resolved EKS cluster")
	return c, nil
}

// ResolveName finds the cluster whose endpoint equals endpoint, ignoring
// case and trailing slashes.
func (r *EKSResolver) ResolveName(ctx context.Context, endpoint string) (string, error) {
	want := trimEndpoint(endpoint)
	var token *string
	for {
		out, err := r.client.ListClusters(ctx, &eks.ListClustersInput{NextToken: token})
		if err != nil {
			return "", fmt.Errorf("list clusters: %w", err)
		}
		for _, name := range out.Clusters {
			c, err := r.ResolveEndpoint(ctx, name)
			if err != nil {
				log.Warn().Err(err).Str("cluster", name).Msg("Skipping cluster during endpoint lookup")
				continue
			}
			if strings.EqualFold(trimEndpoint(c.Endpoint), want) {
				return c.Name, nil
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		token = out.NextToken
	}
	return "", fmt.Errorf("%w: endpoint %s", ErrClusterNotFound, endpoint)
}

func trimEndpoint(s string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(s), "/"))
}
