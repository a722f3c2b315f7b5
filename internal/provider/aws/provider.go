// Package aws scans AWS accounts into the graph.
package aws

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// ProviderName is the entityGroup of every AWS node.
const ProviderName = "aws"

// Entity labels.
const (
	AccountLabel        = "AwsAccount"
	VpcLabel            = "AwsVpc"
	SubnetLabel         = "AwsSubnet"
	SecurityGroupLabel  = "AwsSecurityGroup"
	LaunchTemplateLabel = "AwsLaunchTemplate"
	InstanceLabel       = "AwsEc2Instance"
	EKSClusterLabel     = "AwsEksCluster"
	IAMPolicyLabel      = "AwsIamPolicy"
	IAMRoleLabel        = "AwsIamRole"
	S3BucketLabel       = "AwsS3Bucket"
	RDSInstanceLabel    = "AwsRdsInstance"
	LoadBalancerLabel   = "AwsElb"
	AutoScalingLabel    = "AwsAsg"
	LambdaLabel         = "AwsLambdaFunction"
	DynamoDBTableLabel  = "AwsDynamoDbTable"
	SQSQueueLabel       = "AwsSqsQueue"
	ECSClusterLabel     = "AwsEcsCluster"
	ECRRepositoryLabel  = "AwsEcrRepository"
	HostedZoneLabel     = "AwsRoute53HostedZone"
	LogGroupLabel       = "AwsCloudWatchLogGroup"
	TrailLabel          = "AwsCloudTrailTrail"
	KMSKeyLabel         = "AwsKmsKey"
	RedshiftLabel       = "AwsRedshiftCluster"
	MemoryDBLabel       = "AwsMemoryDbCluster"
)

type builder func(c *Clients, scope graph.Scope) *entity

var builders = map[string]builder{
	AccountLabel:        accountEntity,
	VpcLabel:            vpcEntity,
	SubnetLabel:         subnetEntity,
	SecurityGroupLabel:  securityGroupEntity,
	LaunchTemplateLabel: launchTemplateEntity,
	InstanceLabel:       instanceEntity,
	EKSClusterLabel:     eksClusterEntity,
	IAMPolicyLabel:      iamPolicyEntity,
	IAMRoleLabel:        iamRoleEntity,
	S3BucketLabel:       s3BucketEntity,
	RDSInstanceLabel:    rdsInstanceEntity,
	LoadBalancerLabel:   loadBalancerEntity,
	AutoScalingLabel:    autoScalingEntity,
	LambdaLabel:         lambdaEntity,
	DynamoDBTableLabel:  dynamoDBEntity,
	SQSQueueLabel:       sqsEntity,
	ECSClusterLabel:     ecsClusterEntity,
	ECRRepositoryLabel:  ecrEntity,
	HostedZoneLabel:     hostedZoneEntity,
	LogGroupLabel:       logGroupEntity,
	TrailLabel:          trailEntity,
	KMSKeyLabel:         kmsKeyEntity,
	RedshiftLabel:       redshiftEntity,
	MemoryDBLabel:       memoryDBEntity,
}

// Provider builds AWS scanners, one client set per region.
type Provider struct {
	base       aws.Config
	newClients func(aws.Config) *Clients

	mu      sync.Mutex
	clients map[string]*Clients
}

// New returns a provider using cfg for credentials and defaults.
func New(cfg aws.Config) *Provider {
	return &Provider{base: cfg, newClients: NewClients, clients: make(map[string]*Clients)}
}

// Load builds a provider from the default credential chain.
func Load(ctx context.Context, profile string) (*Provider, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(cfg), nil
}

// WithClients returns a provider serving every region from c.
func WithClients(c *Clients) *Provider {
	return &Provider{newClients: func(aws.Config) *Clients { return c }, clients: make(map[string]*Clients)}
}

// Config returns the base AWS configuration.
func (p *Provider) Config() aws.Config {
	return p.base
}

func (p *Provider) clientsFor(region string) *Clients {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[region]; ok {
		return c
	}
	cfg := p.base.Copy()
	if region != "" {
		cfg.Region = region
	}
	c := p.newClients(cfg)
	p.clients[region] = c
	return c
}

// Scanner builds the scanner for entityType in scope.
func (p *Provider) Scanner(entityType string, scope graph.Scope) (scan.Scanner, error) {
	build, ok := builders[entityType]
	if !ok {
		return nil, fmt.Errorf("aws: unknown entity type %q", entityType)
	}
	if scope.Get(graph.AccountKey) == "" {
		return nil, fmt.Errorf("aws %s: scope %q has no account", entityType, scope)
	}
	return build(p.clientsFor(scope.Get(graph.RegionKey)), scope), nil
}

// Register adds a factory for every AWS entity type.
func (p *Provider) Register(reg *scan.Registry) {
	for typ := range builders {
		reg.Register(scan.Registration{
			Provider:   ProviderName,
			EntityType: typ,
			Factory: func(scope graph.Scope) (scan.Scanner, error) {
				return p.Scanner(typ, scope)
			},
		})
	}
	log.Debug().Int("entity_types", len(builders)).Msg("Registered AWS scanners")
}

// EntityTypes lists every supported label in order.
func EntityTypes() []string {
	out := make([]string, 0, len(builders))
	for typ := range builders {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Account returns the account the base credentials belong to.
func (p *Provider) Account(ctx context.Context) (string, error) {
	out, err := p.clientsFor(p.base.Region).STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// Scope returns the scope of a regional AWS target.
func Scope(account, region string) graph.Scope {
	return graph.NewScope(map[string]string{graph.AccountKey: account, graph.RegionKey: region})
}
