package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// ec2Tags flattens EC2 tags into a map stored as tags_<key>.
func ec2Tags(tags []ec2types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

func nameTag(tags []ec2types.Tag) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func withTags(b graph.Bag, tags map[string]string) graph.Bag {
	if len(tags) > 0 {
		b["tags"] = tags
	}
	return b
}

// firstOrNil returns the first bag or nil, for Describe calls filtered to
// a single id.
func firstOrNil(bags []graph.Bag) graph.Bag {
	if len(bags) == 0 {
		return nil
	}
	return bags[0]
}

func vpcEntity(c *Clients, scope graph.Scope) *entity {
	e := &entity{
		typ:   VpcLabel,
		keys:  []string{"arn"},
		idKey: "vpcId",
		rels:  []graph.Relationship{accountHas(VpcLabel)},
	}
	describe := func(ctx context.Context, in *ec2.DescribeVpcsInput) ([]graph.Bag, *string, error) {
		out, err := c.EC2.DescribeVpcs(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe vpcs: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Vpcs))
		for _, v := range out.Vpcs {
			bags = append(bags, convertVpc(scope, v))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &ec2.DescribeVpcsInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertVpc(scope graph.Scope, v ec2types.Vpc) graph.Bag {
	id := aws.ToString(v.VpcId)
	return withTags(graph.Bag{
		"arn":       arn("ec2", scope, "vpc/"+id),
		"vpcId":     id,
		"name":      nameTag(v.Tags),
		"cidrBlock": aws.ToString(v.CidrBlock),
		"state":     string(v.State),
		"isDefault": aws.ToBool(v.IsDefault),
		"ownerId":   aws.ToString(v.OwnerId),
	}, ec2Tags(v.Tags))
}

func subnetEntity(c *Clients, scope graph.Scope) *entity {
	e := &entity{
		typ:   SubnetLabel,
		keys:  []string{"arn"},
		idKey: "subnetId",
		rels:  []graph.Relationship{rel(VpcLabel, "HAS", SubnetLabel, "vpcId", "vpcId", graph.JoinEquals)},
	}
	describe := func(ctx context.Context, in *ec2.DescribeSubnetsInput) ([]graph.Bag, *string, error) {
		out, err := c.EC2.DescribeSubnets(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe subnets: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Subnets))
		for _, s := range out.Subnets {
			bags = append(bags, convertSubnet(scope, s))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &ec2.DescribeSubnetsInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertSubnet(scope graph.Scope, s ec2types.Subnet) graph.Bag {
	id := aws.ToString(s.SubnetId)
	a := aws.ToString(s.SubnetArn)
	if a == "" {
		a = arn("ec2", scope, "subnet/"+id)
	}
	return withTags(graph.Bag{
		"arn":                     a,
		"subnetId":                id,
		"vpcId":                   aws.ToString(s.VpcId),
		"name":                    nameTag(s.Tags),
		"cidrBlock":               aws.ToString(s.CidrBlock),
		"availabilityZone":        aws.ToString(s.AvailabilityZone),
		"state":                   string(s.State),
		"mapPublicIpOnLaunch":     aws.ToBool(s.MapPublicIpOnLaunch),
		"availableIpAddressCount": aws.ToInt32(s.AvailableIpAddressCount),
		"defaultForAz":            aws.ToBool(s.DefaultForAz),
	}, ec2Tags(s.Tags))
}

func securityGroupEntity(c *Clients, scope graph.Scope) *entity {
	e := &entity{
		typ:   SecurityGroupLabel,
		keys:  []string{"arn"},
		idKey: "groupId",
		rels:  []graph.Relationship{rel(VpcLabel, "HAS", SecurityGroupLabel, "vpcId", "vpcId", graph.JoinEquals)},
	}
	describe := func(ctx context.Context, in *ec2.DescribeSecurityGroupsInput) ([]graph.Bag, *string, error) {
		out, err := c.EC2.DescribeSecurityGroups(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe security groups: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.SecurityGroups))
		for _, g := range out.SecurityGroups {
			bags = append(bags, convertSecurityGroup(scope, g))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &ec2.DescribeSecurityGroupsInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
		return firstOrNil(bags), err
	}
	return e
}

func convertSecurityGroup(scope graph.Scope, g ec2types.SecurityGroup) graph.Bag {
	id := aws.ToString(g.GroupId)
	return withTags(graph.Bag{
		"arn":           arn("ec2", scope, "security-group/"+id),
		"groupId":       id,
		"name":          aws.ToString(g.GroupName),
		"vpcId":         aws.ToString(g.VpcId),
		"description":   aws.ToString(g.Description),
		"ownerId":       aws.ToString(g.OwnerId),
		"inboundRules":  len(g.IpPermissions),
		"outboundRules": len(g.IpPermissionsEgress),
	}, ec2Tags(g.Tags))
}
