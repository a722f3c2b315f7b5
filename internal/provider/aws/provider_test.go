package aws

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/graph/memstore"
	"github.com/yairfalse/cartograph/internal/scan"
)

var testScope = graph.NewScope(map[string]string{
	graph.AccountKey: "123456789012",
	graph.RegionKey:  "us-east-1",
})

func scanner(t *testing.T, c *Clients, entityType string) scan.Scanner {
	t.Helper()
	sc, err := WithClients(c).Scanner(entityType, testScope)
	require.NoError(t, err)
	return sc
}

func subnet(id, vpc string) ec2types.Subnet {
	return ec2types.Subnet{
		SubnetId:         aws.String(id),
		VpcId:            aws.String(vpc),
		CidrBlock:        aws.String("10.0.0.0/24"),
		AvailabilityZone: aws.String("us-east-1a"),
		State:            ec2types.SubnetStateAvailable,
		Tags:             []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("private-" + id)}},
	}
}

func TestSubnetScanner_Pages(t *testing.T) {
	var tokens []*string
	ec2Client := &mockEC2Client{
		DescribeSubnetsFunc: func(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
			tokens = append(tokens, in.NextToken)
			if in.NextToken == nil {
				return &ec2.DescribeSubnetsOutput{
					Subnets:   []ec2types.Subnet{subnet("subnet-1", "vpc-1")},
					NextToken: aws.String("page-2"),
				}, nil
			}
			return &ec2.DescribeSubnetsOutput{Subnets: []ec2types.Subnet{subnet("subnet-2", "vpc-1")}}, nil
		},
	}
	sc := scanner(t, &Clients{EC2: ec2Client}, SubnetLabel)

	first, err := sc.ListPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, first.Items, 1)
	assert.Equal(t, "page-2", first.Next)

	bag := first.Items[0].Bag
	assert.Equal(t, "subnet-1", bag["subnetId"])
	assert.Equal(t, "vpc-1", bag["vpcId"])
	assert.Equal(t, "private-subnet-1", bag["name"])
	assert.Equal(t, "arn:aws:ec2:us-east-1:123456789012:subnet/subnet-1", bag["arn"])
	assert.Equal(t, map[string]string{"Name": "private-subnet-1"}, bag["tags"])

	second, err := sc.ListPage(context.Background(), first.Next)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.Next)

	require.Len(t, tokens, 2)
	assert.Nil(t, tokens[0])
	assert.Equal(t, "page-2", aws.ToString(tokens[1]))

	id, ok := sc.LookupID(bag)
	assert.True(t, ok)
	assert.Equal(t, "subnet-1", id)
	assert.Equal(t, graph.Bag{"subnetId": "subnet-9"}, sc.MatchByID("subnet-9"))
}

func TestSubnetScanner_ListError(t *testing.T) {
	ec2Client := &mockEC2Client{
		DescribeSubnetsFunc: func(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	sc := scanner(t, &Clients{EC2: ec2Client}, SubnetLabel)

	_, err := sc.ListPage(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestSubnetScanner_GetNotFound(t *testing.T) {
	tests := []struct {
		name string
		out  *ec2.DescribeSubnetsOutput
		err  error
	}{
		{
			name: "api not found",
			err:  &smithy.GenericAPIError{Code: "InvalidSubnetID.NotFound", Message: "gone"},
		},
		{
			name: "empty result",
			out:  &ec2.DescribeSubnetsOutput{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec2Client := &mockEC2Client{
				DescribeSubnetsFunc: func(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
					assert.Equal(t, []string{"subnet-1"}, in.SubnetIds)
					return tt.out, tt.err
				},
			}
			sc := scanner(t, &Clients{EC2: ec2Client}, SubnetLabel)

			_, err := sc.Get(context.Background(), "subnet-1")
			assert.ErrorIs(t, err, scan.ErrNotFound)
		})
	}
}

func TestSubnetScanner_GetOtherError(t *testing.T) {
	ec2Client := &mockEC2Client{
		DescribeSubnetsFunc: func(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
		},
	}
	sc := scanner(t, &Clients{EC2: ec2Client}, SubnetLabel)

	_, err := sc.Get(context.Background(), "subnet-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, scan.ErrNotFound)
}

func eksCluster(name string) *ekstypes.Cluster {
	return &ekstypes.Cluster{
		Name:     aws.String(name),
		Arn:      aws.String("arn:aws:eks:us-east-1:123456789012:cluster/" + name),
		Status:   ekstypes.ClusterStatusActive,
		Version:  aws.String("1.30"),
		Endpoint: aws.String("https://" + name + ".eks.amazonaws.com"),
		ResourcesVpcConfig: &ekstypes.VpcConfigResponse{
			VpcId:                  aws.String("vpc-1"),
			SubnetIds:              []string{"subnet-1", "subnet-2"},
			SecurityGroupIds:       []string{"sg-1"},
			ClusterSecurityGroupId: aws.String("sg-cluster"),
		},
		Tags: map[string]string{"team": "platform"},
	}
}

func eksClient() *mockEKSClient {
	return &mockEKSClient{
		ListClustersFunc: func(context.Context, *eks.ListClustersInput, ...func(*eks.Options)) (*eks.ListClustersOutput, error) {
			return &eks.ListClustersOutput{Clusters: []string{"prod", "deleted", "broken"}}, nil
		},
		DescribeClusterFunc: func(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
			switch aws.ToString(in.Name) {
			case "deleted":
				return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException"}
			case "broken":
				return nil, &smithy.GenericAPIError{Code: "AccessDeniedException"}
			}
			return &eks.DescribeClusterOutput{Cluster: eksCluster(aws.ToString(in.Name))}, nil
		},
	}
}

func TestEKSClusterScanner_ListDescribesEachCluster(t *testing.T) {
	sc := scanner(t, &Clients{EKS: eksClient()}, EKSClusterLabel)

	page, err := sc.ListPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2, "deleted cluster is dropped, broken one is skipped")

	bag := page.Items[0].Bag
	require.NoError(t, page.Items[0].Err)
	assert.Equal(t, "prod", bag["name"])
	assert.Equal(t, []string{"subnet-1", "subnet-2"}, bag["subnetIds"])
	assert.Equal(t, []string{"sg-1", "sg-cluster"}, bag["securityGroupIds"])
	assert.Equal(t, map[string]string{"team": "platform"}, bag["tags"])

	assert.Nil(t, page.Items[1].Bag)
	require.Error(t, page.Items[1].Err)
	assert.Contains(t, page.Items[1].Err.Error(), "broken")
}

func TestEKSClusterScanner_Relationships(t *testing.T) {
	sc := scanner(t, &Clients{EKS: eksClient()}, EKSClusterLabel)

	rels := sc.Relationships()
	require.Len(t, rels, 2)
	assert.Equal(t, "RESIDES_IN", rels[0].Type)
	assert.Equal(t, SubnetLabel, rels[0].To)
	assert.Equal(t, graph.JoinContains, rels[0].Join)
	assert.Equal(t, "USES", rels[1].Type)
	assert.Equal(t, SecurityGroupLabel, rels[1].To)
}

func TestIAMPolicyScanner_LocalScopeAndTruncation(t *testing.T) {
	var calls []*iam.ListPoliciesInput
	iamClient := &mockIAMClient{
		ListPoliciesFunc: func(_ context.Context, in *iam.ListPoliciesInput, _ ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
			calls = append(calls, in)
			if in.Marker == nil {
				return &iam.ListPoliciesOutput{
					Policies: []iamtypes.Policy{{
						Arn:        aws.String("arn:aws:iam::123456789012:policy/deploy"),
						PolicyName: aws.String("deploy"),
					}},
					IsTruncated: true,
					Marker:      aws.String("m1"),
				}, nil
			}
			// A non-truncated page may still echo a marker.
			return &iam.ListPoliciesOutput{Marker: aws.String("ignored")}, nil
		},
	}
	sc := scanner(t, &Clients{IAM: iamClient}, IAMPolicyLabel)
	assert.Equal(t, graph.ScopeExclusive, sc.ScopeMode())

	first, err := sc.ListPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "m1", first.Next)
	assert.Equal(t, "deploy", first.Items[0].Bag["name"])

	second, err := sc.ListPage(context.Background(), first.Next)
	require.NoError(t, err)
	assert.Empty(t, second.Next)

	require.Len(t, calls, 2)
	assert.Equal(t, iamtypes.PolicyScopeTypeLocal, calls[0].Scope)
	assert.Equal(t, "m1", aws.ToString(calls[1].Marker))
}

func TestIAMPolicyScanner_GetNoSuchEntity(t *testing.T) {
	iamClient := &mockIAMClient{
		GetPolicyFunc: func(context.Context, *iam.GetPolicyInput, ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "NoSuchEntity"}
		},
	}
	sc := scanner(t, &Clients{IAM: iamClient}, IAMPolicyLabel)

	_, err := sc.Get(context.Background(), "arn:aws:iam::123456789012:policy/gone")
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestAccountScanner(t *testing.T) {
	tests := []struct {
		name    string
		account string
		wantErr bool
	}{
		{name: "matching credentials", account: "123456789012"},
		{name: "credentials for another account", account: "999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stsClient := &mockSTSClient{
				GetCallerIdentityFunc: func(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
					return &sts.GetCallerIdentityOutput{
						Account: aws.String(tt.account),
						Arn:     aws.String("arn:aws:iam::" + tt.account + ":role/scanner"),
						UserId:  aws.String("AROAEXAMPLE"),
					}, nil
				},
			}
			sc := scanner(t, &Clients{STS: stsClient}, AccountLabel)

			page, err := sc.ListPage(context.Background(), "")
			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, page.Items)
				return
			}
			require.NoError(t, err)
			require.Len(t, page.Items, 1)
			assert.Equal(t, "123456789012", page.Items[0].Bag[graph.AccountKey])
			assert.Equal(t, graph.ScopeExclusive, sc.ScopeMode())
		})
	}
}

func TestAccountScanner_GetOtherAccount(t *testing.T) {
	sc := scanner(t, &Clients{STS: &mockSTSClient{}}, AccountLabel)

	_, err := sc.Get(context.Background(), "999999999999")
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestS3BucketScanner_LocationFallbacks(t *testing.T) {
	s3Client := &mockS3Client{
		ListBucketsFunc: func(context.Context, *s3.ListBucketsInput, ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
			return &s3.ListBucketsOutput{Buckets: []s3types.Bucket{
				{Name: aws.String("legacy")},
				{Name: aws.String("eu-logs")},
				{Name: aws.String("locked")},
			}}, nil
		},
		GetBucketLocationFunc: func(_ context.Context, in *s3.GetBucketLocationInput, _ ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
			switch aws.ToString(in.Bucket) {
			case "eu-logs":
				return &s3.GetBucketLocationOutput{LocationConstraint: s3types.BucketLocationConstraintEuWest1}, nil
			case "locked":
				return nil, &smithy.GenericAPIError{Code: "AccessDenied"}
			}
			return &s3.GetBucketLocationOutput{}, nil
		},
	}
	sc := scanner(t, &Clients{S3: s3Client}, S3BucketLabel)

	page, err := sc.ListPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	assert.Equal(t, "us-east-1", page.Items[0].Bag["bucketRegion"])
	assert.Equal(t, "eu-west-1", page.Items[1].Bag["bucketRegion"])
	assert.Equal(t, "arn:aws:s3:::locked", page.Items[2].Bag["arn"])
	assert.NotContains(t, page.Items[2].Bag, "bucketRegion")
}

func TestKMSKeyScanner_SkipsAWSManagedKeys(t *testing.T) {
	kmsClient := &mockKMSClient{
		ListKeysFunc: func(context.Context, *kms.ListKeysInput, ...func(*kms.Options)) (*kms.ListKeysOutput, error) {
			return &kms.ListKeysOutput{Keys: []kmstypes.KeyListEntry{
				{KeyId: aws.String("aws-key")},
				{KeyId: aws.String("cmk")},
			}}, nil
		},
		DescribeKeyFunc: func(_ context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
			id := aws.ToString(in.KeyId)
			manager := kmstypes.KeyManagerTypeCustomer
			if id == "aws-key" {
				manager = kmstypes.KeyManagerTypeAws
			}
			return &kms.DescribeKeyOutput{KeyMetadata: &kmstypes.KeyMetadata{
				KeyId:      aws.String(id),
				Arn:        aws.String("arn:aws:kms:us-east-1:123456789012:key/" + id),
				KeyManager: manager,
				Enabled:    true,
			}}, nil
		},
	}
	sc := scanner(t, &Clients{KMS: kmsClient}, KMSKeyLabel)

	page, err := sc.ListPage(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "cmk", page.Items[0].Bag["keyId"])

	_, err = sc.Get(context.Background(), "aws-key")
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestProvider_ScannerErrors(t *testing.T) {
	p := WithClients(&Clients{})

	_, err := p.Scanner("AwsTeleporter", testScope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity type")

	_, err = p.Scanner(VpcLabel, graph.NewScope(map[string]string{graph.RegionKey: "us-east-1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no account")
}

func TestProvider_ClientsPerRegion(t *testing.T) {
	var regions []string
	p := New(aws.Config{Region: "us-east-1"})
	p.newClients = func(cfg aws.Config) *Clients {
		regions = append(regions, cfg.Region)
		return &Clients{}
	}

	west := graph.NewScope(map[string]string{graph.AccountKey: "123456789012", graph.RegionKey: "us-west-2"})
	for _, scope := range []graph.Scope{testScope, west, testScope} {
		_, err := p.Scanner(VpcLabel, scope)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"us-east-1", "us-west-2"}, regions)
	assert.Equal(t, "us-east-1", p.Config().Region)
}

func TestProvider_RegisterEveryEntityType(t *testing.T) {
	reg := scan.NewRegistry()
	WithClients(&Clients{}).Register(reg)

	want := EntityTypes()
	sort.Strings(want)
	assert.Equal(t, want, reg.EntityTypes(ProviderName))

	r, ok := reg.Get(ProviderName, LambdaLabel)
	require.True(t, ok)
	sc, err := r.Factory(testScope)
	require.NoError(t, err)
	assert.Equal(t, LambdaLabel, sc.EntityType())
}

func TestEveryScannerDeclaresIdentity(t *testing.T) {
	p := WithClients(&Clients{})
	for _, typ := range EntityTypes() {
		sc, err := p.Scanner(typ, testScope)
		require.NoError(t, err, typ)
		assert.NotEmpty(t, sc.IdentityKeys(), typ)
		for _, r := range sc.Relationships() {
			assert.True(t, r.From == typ || r.To == typ, "%s rule %s-%s->%s does not involve it", typ, r.From, r.Type, r.To)
		}
	}
}

func TestScanAll_LinksEKSClusterToNetwork(t *testing.T) {
	ec2Client := &mockEC2Client{
		DescribeSubnetsFunc: func(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
			return &ec2.DescribeSubnetsOutput{Subnets: []ec2types.Subnet{
				subnet("subnet-1", "vpc-1"),
				subnet("subnet-2", "vpc-1"),
				subnet("subnet-3", "vpc-1"),
			}}, nil
		},
		DescribeSecurityGroupsFunc: func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
			return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{
				{GroupId: aws.String("sg-1"), GroupName: aws.String("nodes"), VpcId: aws.String("vpc-1")},
				{GroupId: aws.String("sg-cluster"), GroupName: aws.String("cluster"), VpcId: aws.String("vpc-1")},
				{GroupId: aws.String("sg-other"), GroupName: aws.String("other"), VpcId: aws.String("vpc-1")},
			}}, nil
		},
	}
	reg := scan.NewRegistry()
	WithClients(&Clients{EC2: ec2Client, EKS: eksClient()}).Register(reg)

	store := memstore.New()
	orch := scan.New(graph.NewWriter(store), reg, scan.Options{}).
		WithProcess(scan.Process{ID: "proc-1", Type: "cartograph", Hostname: "host"})

	ctx := context.Background()
	for _, typ := range []string{SubnetLabel, SecurityGroupLabel, EKSClusterLabel} {
		res, err := orch.ScanAll(ctx, scan.Target{Provider: ProviderName, Scope: testScope, EntityType: typ})
		if typ == EKSClusterLabel {
			// The broken cluster is skipped, which is not a pass error.
			assert.Equal(t, 1, res.Skipped)
		}
		require.NoError(t, err, typ)
	}

	clusters := store.Nodes(EKSClusterLabel)
	require.Len(t, clusters, 1)
	assert.Equal(t, "aws", clusters[0]["entityGroup"])
	assert.Equal(t, "us-east-1", clusters[0][graph.RegionKey])

	assert.Equal(t, 2, store.EdgeCount("RESIDES_IN"))
	assert.Equal(t, 2, store.EdgeCount("USES"))
}

func TestProvider_Account(t *testing.T) {
	p := WithClients(&Clients{STS: &mockSTSClient{
		GetCallerIdentityFunc: func(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
		},
	}})

	account, err := p.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456789012", account)
	assert.Equal(t, testScope.String(), Scope(account, "us-east-1").String())
}
