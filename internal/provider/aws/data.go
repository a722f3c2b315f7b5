package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	memorydbtypes "github.com/aws/aws-sdk-go-v2/service/memorydb/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// s3BucketEntity lists buckets account-wide. Buckets are global, so the
// sweep ignores region and each bucket records its own location.
func s3BucketEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   S3BucketLabel,
		keys:  []string{"name"},
		idKey: "name",
		mode:  graph.ScopeExclusive,
		rels:  []graph.Relationship{accountHas(S3BucketLabel)},
	}
	location := func(ctx context.Context, name string) (string, error) {
		out, err := c.S3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
		if err != nil {
			return "", err
		}
		if out.LocationConstraint == "" {
			return "us-east-1", nil
		}
		return string(out.LocationConstraint), nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.S3.ListBuckets(ctx, &s3.ListBucketsInput{ContinuationToken: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list buckets: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Buckets))
		for _, bk := range out.Buckets {
			name := aws.ToString(bk.Name)
			b := convertBucket(name)
			if bk.CreationDate != nil {
				b["creationDate"] = *bk.CreationDate
			}
			// A bucket whose location cannot be read is still present.
			if loc, err := location(ctx, name); err == nil {
				b["bucketRegion"] = loc
			} else {
				log.Debug().Err(err).Str("bucket", name).Msg("Bucket location unavailable")
			}
			bags = append(bags, b)
		}
		return listed(bags, out.ContinuationToken)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		loc, err := location(ctx, id)
		if err != nil {
			return nil, err
		}
		b := convertBucket(id)
		b["bucketRegion"] = loc
		return b, nil
	}
	return e
}

func convertBucket(name string) graph.Bag {
	return graph.Bag{"name": name, "arn": "arn:aws:s3:::" + name}
}

func rdsInstanceEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   RDSInstanceLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels: []graph.Relationship{
			residesInSubnets(RDSInstanceLabel),
			usesSecurityGroups(RDSInstanceLabel),
		},
	}
	describe := func(ctx context.Context, in *rds.DescribeDBInstancesInput) ([]graph.Bag, *string, error) {
		out, err := c.RDS.DescribeDBInstances(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe db instances: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.DBInstances))
		for _, db := range out.DBInstances {
			bags = append(bags, convertDBInstance(db))
		}
		return bags, out.Marker, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &rds.DescribeDBInstancesInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)})
		return firstOrNil(bags), err
	}
	return e
}

func convertDBInstance(db rdstypes.DBInstance) graph.Bag {
	b := graph.Bag{
		"arn":              aws.ToString(db.DBInstanceArn),
		"name":             aws.ToString(db.DBInstanceIdentifier),
		"status":           aws.ToString(db.DBInstanceStatus),
		"engine":           aws.ToString(db.Engine),
		"engineVersion":    aws.ToString(db.EngineVersion),
		"instanceClass":    aws.ToString(db.DBInstanceClass),
		"allocatedStorage": aws.ToInt32(db.AllocatedStorage),
		"multiAz":          aws.ToBool(db.MultiAZ),
	}
	if db.Endpoint != nil {
		b["endpointAddress"] = aws.ToString(db.Endpoint.Address)
		b["endpointPort"] = aws.ToInt32(db.Endpoint.Port)
	}
	if g := db.DBSubnetGroup; g != nil {
		b["vpcId"] = aws.ToString(g.VpcId)
		subnets := make([]string, 0, len(g.Subnets))
		for _, s := range g.Subnets {
			subnets = append(subnets, aws.ToString(s.SubnetIdentifier))
		}
		b["subnetIds"] = subnets
	}
	groups := make([]string, 0, len(db.VpcSecurityGroups))
	for _, g := range db.VpcSecurityGroups {
		groups = append(groups, aws.ToString(g.VpcSecurityGroupId))
	}
	b["securityGroupIds"] = groups
	return b
}

func loadBalancerEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   LoadBalancerLabel,
		keys:  []string{"arn"},
		idKey: "arn",
		rels: []graph.Relationship{
			residesInSubnets(LoadBalancerLabel),
			usesSecurityGroups(LoadBalancerLabel),
		},
	}
	describe := func(ctx context.Context, in *elasticloadbalancingv2.DescribeLoadBalancersInput) ([]graph.Bag, *string, error) {
		out, err := c.ELB.DescribeLoadBalancers(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe load balancers: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.LoadBalancers))
		for _, lb := range out.LoadBalancers {
			bags = append(bags, convertLoadBalancer(lb))
		}
		return bags, out.NextMarker, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertLoadBalancer(lb elbtypes.LoadBalancer) graph.Bag {
	b := graph.Bag{
		"arn":              aws.ToString(lb.LoadBalancerArn),
		"name":             aws.ToString(lb.LoadBalancerName),
		"dnsName":          aws.ToString(lb.DNSName),
		"scheme":           string(lb.Scheme),
		"type":             string(lb.Type),
		"vpcId":            aws.ToString(lb.VpcId),
		"securityGroupIds": append([]string{}, lb.SecurityGroups...),
	}
	if lb.State != nil {
		b["state"] = string(lb.State.Code)
	}
	subnets := make([]string, 0, len(lb.AvailabilityZones))
	for _, az := range lb.AvailabilityZones {
		if az.SubnetId != nil {
			subnets = append(subnets, *az.SubnetId)
		}
	}
	b["subnetIds"] = subnets
	return b
}

// dynamoDBEntity lists table names and describes each. A failed describe
// skips that table only.
func dynamoDBEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   DynamoDBTableLabel,
		keys:  []string{"arn"},
		idKey: "name",
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(id)})
		if err != nil {
			return nil, err
		}
		if out.Table == nil {
			return nil, nil
		}
		return convertTable(out.Table), nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.DynamoDB.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list tables: %w", err)
		}
		items := make([]scan.Item, 0, len(out.TableNames))
		for _, name := range out.TableNames {
			bag, err := e.get(ctx, name)
			switch {
			case isNotFound(err):
				continue
			case err != nil:
				items = append(items, scan.Item{Err: fmt.Errorf("describe table %s: %w", name, err)})
			case bag != nil:
				items = append(items, scan.Item{Bag: bag})
			}
		}
		return items, tokenOut(out.LastEvaluatedTableName), nil
	}
	return e
}

func convertTable(t *ddbtypes.TableDescription) graph.Bag {
	b := graph.Bag{
		"arn":            aws.ToString(t.TableArn),
		"name":           aws.ToString(t.TableName),
		"status":         string(t.TableStatus),
		"itemCount":      aws.ToInt64(t.ItemCount),
		"tableSizeBytes": aws.ToInt64(t.TableSizeBytes),
	}
	if t.BillingModeSummary != nil {
		b["billingMode"] = string(t.BillingModeSummary.BillingMode)
	}
	if t.CreationDateTime != nil {
		b["creationDateTime"] = *t.CreationDateTime
	}
	return b
}

func sqsEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   SQSQueueLabel,
		keys:  []string{"url"},
		idKey: "url",
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.SQS.ListQueues(ctx, &sqs.ListQueuesInput{
			NextToken:  tokenIn(token),
			MaxResults: aws.Int32(1000),
		})
		if err != nil {
			return nil, "", fmt.Errorf("list queues: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.QueueUrls))
		for _, u := range out.QueueUrls {
			bags = append(bags, graph.Bag{"url": u, "name": queueName(u)})
		}
		return listed(bags, out.NextToken)
	}
	return e
}

func queueName(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

func redshiftEntity(c *Clients, scope graph.Scope) *entity {
	e := &entity{
		typ:   RedshiftLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels: []graph.Relationship{
			rel(RedshiftLabel, "RESIDES_IN", VpcLabel, "vpcId", "vpcId", graph.JoinEquals),
			usesSecurityGroups(RedshiftLabel),
		},
	}
	describe := func(ctx context.Context, in *redshift.DescribeClustersInput) ([]graph.Bag, *string, error) {
		out, err := c.Redshift.DescribeClusters(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe redshift clusters: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Clusters))
		for _, cl := range out.Clusters {
			bags = append(bags, convertRedshift(scope, cl))
		}
		return bags, out.Marker, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &redshift.DescribeClustersInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &redshift.DescribeClustersInput{ClusterIdentifier: aws.String(id)})
		return firstOrNil(bags), err
	}
	return e
}

func convertRedshift(scope graph.Scope, cl redshifttypes.Cluster) graph.Bag {
	id := aws.ToString(cl.ClusterIdentifier)
	groups := make([]string, 0, len(cl.VpcSecurityGroups))
	for _, g := range cl.VpcSecurityGroups {
		groups = append(groups, aws.ToString(g.VpcSecurityGroupId))
	}
	return graph.Bag{
		"arn":              arn("redshift", scope, "cluster:"+id),
		"name":             id,
		"status":           aws.ToString(cl.ClusterStatus),
		"nodeType":         aws.ToString(cl.NodeType),
		"numberOfNodes":    aws.ToInt32(cl.NumberOfNodes),
		"dbName":           aws.ToString(cl.DBName),
		"vpcId":            aws.ToString(cl.VpcId),
		"securityGroupIds": groups,
	}
}

func memoryDBEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   MemoryDBLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels:  []graph.Relationship{usesSecurityGroups(MemoryDBLabel)},
	}
	describe := func(ctx context.Context, in *memorydb.DescribeClustersInput) ([]graph.Bag, *string, error) {
		out, err := c.MemoryDB.DescribeClusters(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe memorydb clusters: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Clusters))
		for _, cl := range out.Clusters {
			bags = append(bags, convertMemoryDB(cl))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &memorydb.DescribeClustersInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &memorydb.DescribeClustersInput{ClusterName: aws.String(id)})
		return firstOrNil(bags), err
	}
	return e
}

func convertMemoryDB(cl memorydbtypes.Cluster) graph.Bag {
	groups := make([]string, 0, len(cl.SecurityGroups))
	for _, g := range cl.SecurityGroups {
		groups = append(groups, aws.ToString(g.SecurityGroupId))
	}
	return graph.Bag{
		"arn":              aws.ToString(cl.ARN),
		"name":             aws.ToString(cl.Name),
		"status":           aws.ToString(cl.Status),
		"nodeType":         aws.ToString(cl.NodeType),
		"engineVersion":    aws.ToString(cl.EngineVersion),
		"numberOfShards":   aws.ToInt32(cl.NumberOfShards),
		"tlsEnabled":       aws.ToBool(cl.TLSEnabled),
		"subnetGroupName":  aws.ToString(cl.SubnetGroupName),
		"securityGroupIds": groups,
	}
}
