package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

func instanceEntity(c *Clients, scope graph.Scope) *entity {
	e := &entity{
		typ:   InstanceLabel,
		keys:  []string{"arn"},
		idKey: "instanceId",
		rels: []graph.Relationship{
			rel(InstanceLabel, "RESIDES_IN", SubnetLabel, "subnetId", "subnetId", graph.JoinEquals),
			usesSecurityGroups(InstanceLabel),
		},
	}
	describe := func(ctx context.Context, in *ec2.DescribeInstancesInput) ([]graph.Bag, *string, error) {
		out, err := c.EC2.DescribeInstances(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe instances: %w", err)
		}
		var bags []graph.Bag
		for _, r := range out.Reservations {
			for _, i := range r.Instances {
				bags = append(bags, convertInstance(scope, i))
			}
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &ec2.DescribeInstancesInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		b := firstOrNil(bags)
		if b != nil && b["state"] == string(ec2types.InstanceStateNameTerminated) {
			return nil, err
		}
		return b, err
	}
	return e
}

func convertInstance(scope graph.Scope, i ec2types.Instance) graph.Bag {
	id := aws.ToString(i.InstanceId)
	groups := make([]string, 0, len(i.SecurityGroups))
	for _, g := range i.SecurityGroups {
		groups = append(groups, aws.ToString(g.GroupId))
	}
	b := graph.Bag{
		"arn":              arn("ec2", scope, "instance/"+id),
		"instanceId":       id,
		"name":             nameTag(i.Tags),
		"instanceType":     string(i.InstanceType),
		"imageId":          aws.ToString(i.ImageId),
		"subnetId":         aws.ToString(i.SubnetId),
		"vpcId":            aws.ToString(i.VpcId),
		"privateIpAddress": aws.ToString(i.PrivateIpAddress),
		"securityGroupIds": groups,
	}
	if i.State != nil {
		b["state"] = string(i.State.Name)
	}
	if i.PublicIpAddress != nil {
		b["publicIpAddress"] = *i.PublicIpAddress
	}
	if i.Placement != nil {
		b["availabilityZone"] = aws.ToString(i.Placement.AvailabilityZone)
	}
	if i.LaunchTime != nil {
		b["launchTime"] = *i.LaunchTime
	}
	return withTags(b, ec2Tags(i.Tags))
}

func launchTemplateEntity(c *Clients, scope graph.Scope) *entity {
	e := &entity{
		typ:   LaunchTemplateLabel,
		keys:  []string{"arn"},
		idKey: "launchTemplateId",
	}
	describe := func(ctx context.Context, in *ec2.DescribeLaunchTemplatesInput) ([]graph.Bag, *string, error) {
		out, err := c.EC2.DescribeLaunchTemplates(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe launch templates: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.LaunchTemplates))
		for _, t := range out.LaunchTemplates {
			bags = append(bags, convertLaunchTemplate(scope, t))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &ec2.DescribeLaunchTemplatesInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &ec2.DescribeLaunchTemplatesInput{LaunchTemplateIds: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertLaunchTemplate(scope graph.Scope, t ec2types.LaunchTemplate) graph.Bag {
	id := aws.ToString(t.LaunchTemplateId)
	b := graph.Bag{
		"arn":                  arn("ec2", scope, "launch-template/"+id),
		"launchTemplateId":     id,
		"name":                 aws.ToString(t.LaunchTemplateName),
		"defaultVersionNumber": aws.ToInt64(t.DefaultVersionNumber),
		"latestVersionNumber":  aws.ToInt64(t.LatestVersionNumber),
		"createdBy":            aws.ToString(t.CreatedBy),
	}
	if t.CreateTime != nil {
		b["createTime"] = *t.CreateTime
	}
	return withTags(b, ec2Tags(t.Tags))
}

func autoScalingEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   AutoScalingLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels: []graph.Relationship{
			rel(AutoScalingLabel, "USES", LaunchTemplateLabel, "launchTemplateId", "launchTemplateId", graph.JoinEquals),
			rel(AutoScalingLabel, "HAS", InstanceLabel, "instanceIds", "instanceId", graph.JoinContains),
			residesInSubnets(AutoScalingLabel),
		},
	}
	describe := func(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput) ([]graph.Bag, *string, error) {
		out, err := c.AutoScaling.DescribeAutoScalingGroups(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe auto scaling groups: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.AutoScalingGroups))
		for _, g := range out.AutoScalingGroups {
			bags = append(bags, convertAutoScalingGroup(g))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &autoscaling.DescribeAutoScalingGroupsInput{AutoScalingGroupNames: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertAutoScalingGroup(g asgtypes.AutoScalingGroup) graph.Bag {
	instances := make([]string, 0, len(g.Instances))
	for _, i := range g.Instances {
		instances = append(instances, aws.ToString(i.InstanceId))
	}
	var subnets []string
	for _, s := range strings.Split(aws.ToString(g.VPCZoneIdentifier), ",") {
		if s = strings.TrimSpace(s); s != "" {
			subnets = append(subnets, s)
		}
	}
	b := graph.Bag{
		"arn":             aws.ToString(g.AutoScalingGroupARN),
		"name":            aws.ToString(g.AutoScalingGroupName),
		"minSize":         aws.ToInt32(g.MinSize),
		"maxSize":         aws.ToInt32(g.MaxSize),
		"desiredCapacity": aws.ToInt32(g.DesiredCapacity),
		"instanceIds":     instances,
		"subnetIds":       subnets,
	}
	if lt := g.LaunchTemplate; lt != nil {
		b["launchTemplateId"] = aws.ToString(lt.LaunchTemplateId)
		b["launchTemplateName"] = aws.ToString(lt.LaunchTemplateName)
		b["launchTemplateVersion"] = aws.ToString(lt.Version)
	}
	if g.LaunchConfigurationName != nil {
		b["launchConfigurationName"] = *g.LaunchConfigurationName
	}
	tags := make(map[string]string, len(g.Tags))
	for _, t := range g.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return withTags(b, tags)
}

func eksClusterEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   EKSClusterLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels: []graph.Relationship{
			residesInSubnets(EKSClusterLabel),
			usesSecurityGroups(EKSClusterLabel),
		},
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(id)})
		if err != nil {
			return nil, err
		}
		if out.Cluster == nil {
			return nil, nil
		}
		return convertEKSCluster(out.Cluster), nil
	}
	// One describe per listed name; a cluster deleted between the two
	// calls is dropped, any other failure skips just that cluster.
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.EKS.ListClusters(ctx, &eks.ListClustersInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list clusters: %w", err)
		}
		items := make([]scan.Item, 0, len(out.Clusters))
		for _, name := range out.Clusters {
			bag, err := e.get(ctx, name)
			switch {
			case isNotFound(err):
				continue
			case err != nil:
				items = append(items, scan.Item{Err: fmt.Errorf("describe cluster %s: %w", name, err)})
			case bag != nil:
				items = append(items, scan.Item{Bag: bag})
			}
		}
		return items, tokenOut(out.NextToken), nil
	}
	return e
}

func convertEKSCluster(cl *ekstypes.Cluster) graph.Bag {
	b := graph.Bag{
		"arn":             aws.ToString(cl.Arn),
		"name":            aws.ToString(cl.Name),
		"status":          string(cl.Status),
		"version":         aws.ToString(cl.Version),
		"platformVersion": aws.ToString(cl.PlatformVersion),
		"endpoint":        aws.ToString(cl.Endpoint),
		"roleArn":         aws.ToString(cl.RoleArn),
	}
	if cl.CreatedAt != nil {
		b["createdAt"] = *cl.CreatedAt
	}
	if cl.CertificateAuthority != nil {
		b["certificateAuthorityData"] = aws.ToString(cl.CertificateAuthority.Data)
	}
	if v := cl.ResourcesVpcConfig; v != nil {
		b["vpcId"] = aws.ToString(v.VpcId)
		b["subnetIds"] = append([]string{}, v.SubnetIds...)
		groups := append([]string{}, v.SecurityGroupIds...)
		if v.ClusterSecurityGroupId != nil {
			groups = append(groups, *v.ClusterSecurityGroupId)
		}
		b["securityGroupIds"] = groups
		b["endpointPublicAccess"] = v.EndpointPublicAccess
		b["endpointPrivateAccess"] = v.EndpointPrivateAccess
	}
	return withTags(b, cl.Tags)
}

func ecsClusterEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   ECSClusterLabel,
		keys:  []string{"arn"},
		idKey: "arn",
	}
	describe := func(ctx context.Context, arns []string) ([]graph.Bag, error) {
		if len(arns) == 0 {
			return nil, nil
		}
		out, err := c.ECS.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: arns})
		if err != nil {
			return nil, fmt.Errorf("describe clusters: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Clusters))
		for _, cl := range out.Clusters {
			// Deleted clusters stay describable for a while as INACTIVE.
			if aws.ToString(cl.Status) == "INACTIVE" {
				continue
			}
			bags = append(bags, convertECSCluster(cl))
		}
		return bags, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.ECS.ListClusters(ctx, &ecs.ListClustersInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list clusters: %w", err)
		}
		bags, err := describe(ctx, out.ClusterArns)
		if err != nil {
			return nil, "", err
		}
		return listed(bags, out.NextToken)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, err := describe(ctx, []string{id})
		return firstOrNil(bags), err
	}
	return e
}

func convertECSCluster(cl ecstypes.Cluster) graph.Bag {
	b := graph.Bag{
		"arn":                 aws.ToString(cl.ClusterArn),
		"name":                aws.ToString(cl.ClusterName),
		"status":              aws.ToString(cl.Status),
		"activeServicesCount": cl.ActiveServicesCount,
		"runningTasksCount":   cl.RunningTasksCount,
		"pendingTasksCount":   cl.PendingTasksCount,
		"containerInstances":  cl.RegisteredContainerInstancesCount,
	}
	tags := make(map[string]string, len(cl.Tags))
	for _, t := range cl.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return withTags(b, tags)
}

func lambdaEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   LambdaLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels: []graph.Relationship{
			rel(LambdaLabel, "USES", IAMRoleLabel, "role", "arn", graph.JoinEquals),
			residesInSubnets(LambdaLabel),
			usesSecurityGroups(LambdaLabel),
		},
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.Lambda.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list functions: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Functions))
		for _, fn := range out.Functions {
			bags = append(bags, convertFunction(fn))
		}
		return listed(bags, out.NextMarker)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(id)})
		if err != nil {
			return nil, err
		}
		if out.Configuration == nil {
			return nil, nil
		}
		return convertFunction(*out.Configuration), nil
	}
	return e
}

func convertFunction(fn lambdatypes.FunctionConfiguration) graph.Bag {
	b := graph.Bag{
		"arn":          aws.ToString(fn.FunctionArn),
		"name":         aws.ToString(fn.FunctionName),
		"runtime":      string(fn.Runtime),
		"role":         aws.ToString(fn.Role),
		"handler":      aws.ToString(fn.Handler),
		"memorySize":   aws.ToInt32(fn.MemorySize),
		"timeout":      aws.ToInt32(fn.Timeout),
		"state":        string(fn.State),
		"lastModified": aws.ToString(fn.LastModified),
	}
	if v := fn.VpcConfig; v != nil {
		b["vpcId"] = aws.ToString(v.VpcId)
		b["subnetIds"] = append([]string{}, v.SubnetIds...)
		b["securityGroupIds"] = append([]string{}, v.SecurityGroupIds...)
	}
	return b
}

func ecrEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   ECRRepositoryLabel,
		keys:  []string{"arn"},
		idKey: "name",
	}
	describe := func(ctx context.Context, in *ecr.DescribeRepositoriesInput) ([]graph.Bag, *string, error) {
		out, err := c.ECR.DescribeRepositories(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe repositories: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Repositories))
		for _, r := range out.Repositories {
			bags = append(bags, convertRepository(r))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &ecr.DescribeRepositoriesInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertRepository(r ecrtypes.Repository) graph.Bag {
	b := graph.Bag{
		"arn":                aws.ToString(r.RepositoryArn),
		"name":               aws.ToString(r.RepositoryName),
		"uri":                aws.ToString(r.RepositoryUri),
		"registryId":         aws.ToString(r.RegistryId),
		"imageTagMutability": string(r.ImageTagMutability),
	}
	if r.CreatedAt != nil {
		b["createdAt"] = *r.CreatedAt
	}
	return b
}
