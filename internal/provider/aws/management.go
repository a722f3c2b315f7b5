package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// kmsKeyEntity covers customer managed keys only.
func kmsKeyEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   KMSKeyLabel,
		keys:  []string{"arn"},
		idKey: "keyId",
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.KMS.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(id)})
		if err != nil {
			return nil, err
		}
		md := out.KeyMetadata
		if md == nil || md.KeyManager == kmstypes.KeyManagerTypeAws {
			return nil, nil
		}
		return convertKey(md), nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.KMS.ListKeys(ctx, &kms.ListKeysInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list keys: %w", err)
		}
		items := make([]scan.Item, 0, len(out.Keys))
		for _, k := range out.Keys {
			id := aws.ToString(k.KeyId)
			bag, err := e.get(ctx, id)
			switch {
			case isNotFound(err):
			case err != nil:
				items = append(items, scan.Item{Err: fmt.Errorf("describe key %s: %w", id, err)})
			case bag != nil:
				items = append(items, scan.Item{Bag: bag})
			}
		}
		if !out.Truncated {
			return items, "", nil
		}
		return items, tokenOut(out.NextMarker), nil
	}
	return e
}

func convertKey(md *kmstypes.KeyMetadata) graph.Bag {
	b := graph.Bag{
		"arn":         aws.ToString(md.Arn),
		"keyId":       aws.ToString(md.KeyId),
		"keyState":    string(md.KeyState),
		"keyUsage":    string(md.KeyUsage),
		"keySpec":     string(md.KeySpec),
		"description": aws.ToString(md.Description),
		"enabled":     md.Enabled,
	}
	if md.CreationDate != nil {
		b["creationDate"] = *md.CreationDate
	}
	return b
}

func logGroupEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   LogGroupLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels:  []graph.Relationship{rel(LogGroupLabel, "USES", KMSKeyLabel, "kmsKeyId", "arn", graph.JoinEquals)},
	}
	describe := func(ctx context.Context, in *cloudwatchlogs.DescribeLogGroupsInput) ([]graph.Bag, *string, error) {
		out, err := c.CloudWatchLogs.DescribeLogGroups(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("describe log groups: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.LogGroups))
		for _, lg := range out.LogGroups {
			bags = append(bags, convertLogGroup(lg))
		}
		return bags, out.NextToken, nil
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		bags, next, err := describe(ctx, &cloudwatchlogs.DescribeLogGroupsInput{NextToken: tokenIn(token)})
		if err != nil {
			return nil, "", err
		}
		return listed(bags, next)
	}
	// The API only filters by prefix.
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, _, err := describe(ctx, &cloudwatchlogs.DescribeLogGroupsInput{LogGroupNamePrefix: aws.String(id)})
		if err != nil {
			return nil, err
		}
		for _, b := range bags {
			if b.String("name") == id {
				return b, nil
			}
		}
		return nil, nil
	}
	return e
}

func convertLogGroup(lg cwltypes.LogGroup) graph.Bag {
	b := graph.Bag{
		"arn":         strings.TrimSuffix(aws.ToString(lg.Arn), ":*"),
		"name":        aws.ToString(lg.LogGroupName),
		"storedBytes": aws.ToInt64(lg.StoredBytes),
	}
	if lg.RetentionInDays != nil {
		b["retentionInDays"] = *lg.RetentionInDays
	}
	if lg.CreationTime != nil {
		b["creationTime"] = *lg.CreationTime
	}
	if lg.KmsKeyId != nil {
		b["kmsKeyId"] = *lg.KmsKeyId
	}
	return b
}

// trailEntity lists trails homed in the scanned region.
func trailEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   TrailLabel,
		keys:  []string{"arn"},
		idKey: "name",
		rels: []graph.Relationship{
			rel(TrailLabel, "USES", S3BucketLabel, "s3BucketName", "name", graph.JoinEquals),
			rel(TrailLabel, "USES", KMSKeyLabel, "kmsKeyId", "arn", graph.JoinEquals),
			rel(TrailLabel, "USES", LogGroupLabel, "logGroupArn", "arn", graph.JoinEquals),
		},
	}
	describe := func(ctx context.Context, names []string) ([]graph.Bag, error) {
		out, err := c.CloudTrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{
			TrailNameList:       names,
			IncludeShadowTrails: aws.Bool(false),
		})
		if err != nil {
			return nil, fmt.Errorf("describe trails: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.TrailList))
		for _, t := range out.TrailList {
			bags = append(bags, convertTrail(t))
		}
		return bags, nil
	}
	e.list = func(ctx context.Context, _ string) ([]scan.Item, string, error) {
		bags, err := describe(ctx, nil)
		if err != nil {
			return nil, "", err
		}
		return listed(bags, nil)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		bags, err := describe(ctx, []string{id})
		return firstOrNil(bags), err
	}
	return e
}

func convertTrail(t cttypes.Trail) graph.Bag {
	return graph.Bag{
		"arn":                      aws.ToString(t.TrailARN),
		"name":                     aws.ToString(t.Name),
		"homeRegion":               aws.ToString(t.HomeRegion),
		"s3BucketName":             aws.ToString(t.S3BucketName),
		"kmsKeyId":                 aws.ToString(t.KmsKeyId),
		"logGroupArn":              strings.TrimSuffix(aws.ToString(t.CloudWatchLogsLogGroupArn), ":*"),
		"isMultiRegionTrail":       aws.ToBool(t.IsMultiRegionTrail),
		"isOrganizationTrail":      aws.ToBool(t.IsOrganizationTrail),
		"logFileValidationEnabled": aws.ToBool(t.LogFileValidationEnabled),
	}
}

func hostedZoneEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   HostedZoneLabel,
		keys:  []string{"arn"},
		idKey: "zoneId",
		mode:  graph.ScopeExclusive,
		rels:  []graph.Relationship{accountHas(HostedZoneLabel)},
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.Route53.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list hosted zones: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.HostedZones))
		for _, z := range out.HostedZones {
			bags = append(bags, convertZone(z))
		}
		if !out.IsTruncated {
			return listed(bags, nil)
		}
		return listed(bags, out.NextMarker)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.Route53.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: aws.String(id)})
		if err != nil {
			return nil, err
		}
		if out.HostedZone == nil {
			return nil, nil
		}
		return convertZone(*out.HostedZone), nil
	}
	return e
}

func convertZone(z r53types.HostedZone) graph.Bag {
	id := strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/")
	b := graph.Bag{
		"arn":         "arn:aws:route53:::hostedzone/" + id,
		"zoneId":      id,
		"name":        aws.ToString(z.Name),
		"recordCount": aws.ToInt64(z.ResourceRecordSetCount),
		"private":     false,
	}
	if z.Config != nil {
		b["private"] = z.Config.PrivateZone
		if z.Config.Comment != nil {
			b["comment"] = *z.Config.Comment
		}
	}
	return b
}
