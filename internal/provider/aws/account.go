package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// accountEntity produces the single AwsAccount node of the scope. A caller
// identity from another account fails the page so nothing is swept.
func accountEntity(c *Clients, scope graph.Scope) *entity {
	want := scope.Get(graph.AccountKey)
	e := &entity{
		typ:   AccountLabel,
		keys:  []string{graph.AccountKey},
		idKey: graph.AccountKey,
		mode:  graph.ScopeExclusive,
	}
	identity := func(ctx context.Context) (graph.Bag, error) {
		out, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("get caller identity: %w", err)
		}
		account := aws.ToString(out.Account)
		if account != want {
			return nil, fmt.Errorf("credentials belong to account %s, scope wants %s", account, want)
		}
		return graph.Bag{
			graph.AccountKey: account,
			"callerArn":      aws.ToString(out.Arn),
			"callerUserId":   aws.ToString(out.UserId),
		}, nil
	}
	e.list = func(ctx context.Context, _ string) ([]scan.Item, string, error) {
		bag, err := identity(ctx)
		if err != nil {
			return nil, "", err
		}
		return scan.Bags(bag), "", nil
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		if id != want {
			return nil, nil
		}
		return identity(ctx)
	}
	return e
}

func iamPolicyEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   IAMPolicyLabel,
		keys:  []string{"arn"},
		idKey: "arn",
		mode:  graph.ScopeExclusive,
		rels:  []graph.Relationship{accountHas(IAMPolicyLabel)},
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.IAM.ListPolicies(ctx, &iam.ListPoliciesInput{
			Scope:  iamtypes.PolicyScopeTypeLocal,
			Marker: tokenIn(token),
		})
		if err != nil {
			return nil, "", fmt.Errorf("list policies: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Policies))
		for _, p := range out.Policies {
			bags = append(bags, convertPolicy(p))
		}
		if !out.IsTruncated {
			return listed(bags, nil)
		}
		return listed(bags, out.Marker)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.IAM.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(id)})
		if err != nil {
			return nil, err
		}
		if out.Policy == nil {
			return nil, nil
		}
		return convertPolicy(*out.Policy), nil
	}
	return e
}

func convertPolicy(p iamtypes.Policy) graph.Bag {
	b := graph.Bag{
		"arn":              aws.ToString(p.Arn),
		"name":             aws.ToString(p.PolicyName),
		"policyId":         aws.ToString(p.PolicyId),
		"path":             aws.ToString(p.Path),
		"defaultVersionId": aws.ToString(p.DefaultVersionId),
		"attachmentCount":  aws.ToInt32(p.AttachmentCount),
		"isAttachable":     p.IsAttachable,
	}
	if p.Description != nil {
		b["description"] = *p.Description
	}
	if p.CreateDate != nil {
		b["createDate"] = *p.CreateDate
	}
	if p.UpdateDate != nil {
		b["updateDate"] = *p.UpdateDate
	}
	return b
}

func iamRoleEntity(c *Clients, _ graph.Scope) *entity {
	e := &entity{
		typ:   IAMRoleLabel,
		keys:  []string{"arn"},
		idKey: "name",
		mode:  graph.ScopeExclusive,
		rels:  []graph.Relationship{accountHas(IAMRoleLabel)},
	}
	e.list = func(ctx context.Context, token string) ([]scan.Item, string, error) {
		out, err := c.IAM.ListRoles(ctx, &iam.ListRolesInput{Marker: tokenIn(token)})
		if err != nil {
			return nil, "", fmt.Errorf("list roles: %w", err)
		}
		bags := make([]graph.Bag, 0, len(out.Roles))
		for _, r := range out.Roles {
			bags = append(bags, convertRole(r))
		}
		if !out.IsTruncated {
			return listed(bags, nil)
		}
		return listed(bags, out.Marker)
	}
	e.get = func(ctx context.Context, id string) (graph.Bag, error) {
		out, err := c.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(id)})
		if err != nil {
			return nil, err
		}
		if out.Role == nil {
			return nil, nil
		}
		return convertRole(*out.Role), nil
	}
	return e
}

func convertRole(r iamtypes.Role) graph.Bag {
	b := graph.Bag{
		"arn":    aws.ToString(r.Arn),
		"name":   aws.ToString(r.RoleName),
		"roleId": aws.ToString(r.RoleId),
		"path":   aws.ToString(r.Path),
	}
	if r.Description != nil {
		b["description"] = *r.Description
	}
	if r.CreateDate != nil {
		b["createDate"] = *r.CreateDate
	}
	return b
}
