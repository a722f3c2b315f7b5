package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/internal/graph"
)

func TestShouldScanType_NoExclusions(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.ShouldScanType("AwsEc2Instance"))
	assert.True(t, f.ShouldScanType("AwsRdsInstance"))
	assert.True(t, f.IsEmpty())
}

func TestShouldScanType_WithExclusions(t *testing.T) {
	f := New([]string{"AwsIamRole", "AwsCloudWatchLogGroup"}, nil, nil)
	assert.True(t, f.ShouldScanType("AwsEc2Instance"))
	assert.False(t, f.ShouldScanType("AwsIamRole"))
	assert.False(t, f.ShouldScanType("AwsCloudWatchLogGroup"))
	assert.False(t, f.IsEmpty())
}

func TestAdmit_Tags(t *testing.T) {
	tests := []struct {
		name        string
		includeTags map[string]string
		excludeTags map[string]string
		bag         graph.Bag
		want        bool
	}{
		{
			name: "no filters",
			bag:  graph.Bag{"id": "i-1", "tags": map[string]string{"env": "prod"}},
			want: true,
		},
		{
			name:        "include matches",
			includeTags: map[string]string{"env": "prod"},
			bag:         graph.Bag{"tags": map[string]string{"env": "prod", "team": "platform"}},
			want:        true,
		},
		{
			name:        "include does not match",
			includeTags: map[string]string{"env": "prod"},
			bag:         graph.Bag{"tags": map[string]string{"env": "staging"}},
			want:        false,
		},
		{
			name:        "include needs every tag",
			includeTags: map[string]string{"env": "prod", "team": "platform"},
			bag:         graph.Bag{"tags": map[string]string{"env": "prod"}},
			want:        false,
		},
		{
			name:        "include with no tags",
			includeTags: map[string]string{"env": "prod"},
			bag:         graph.Bag{"id": "i-1"},
			want:        false,
		},
		{
			name:        "any exclude tag rejects",
			excludeTags: map[string]string{"skip": "true", "ignore": "yes"},
			bag:         graph.Bag{"tags": map[string]string{"ignore": "yes"}},
			want:        false,
		},
		{
			name:        "exclude does not match",
			excludeTags: map[string]string{"skip": "true"},
			bag:         graph.Bag{"tags": map[string]string{"skip": "false"}},
			want:        true,
		},
		{
			name:        "include and exclude both match",
			includeTags: map[string]string{"env": "prod"},
			excludeTags: map[string]string{"skip": "true"},
			bag:         graph.Bag{"tags": map[string]string{"env": "prod", "skip": "true"}},
			want:        false,
		},
		{
			name:        "kubernetes labels",
			includeTags: map[string]string{"team": "payments"},
			bag:         graph.Bag{"labels": map[string]any{"team": "payments"}},
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, tt.includeTags, tt.excludeTags)
			assert.Equal(t, tt.want, f.Admit(context.Background(), "AwsEc2Instance", tt.bag))
		})
	}
}

const terminatedPolicy = `package cartograph

default admit := true

admit := false if {
	input.entityType == "AwsEc2Instance"
	input.entity.state == "terminated"
}
`

func TestAdmit_Policy(t *testing.T) {
	f, err := New(nil, nil, nil).WithPolicy(context.Background(), "terminated.rego", terminatedPolicy)
	require.NoError(t, err)
	assert.False(t, f.IsEmpty())

	ctx := context.Background()
	assert.True(t, f.Admit(ctx, "AwsEc2Instance", graph.Bag{"instanceId": "i-1", "state": "running"}))
	assert.False(t, f.Admit(ctx, "AwsEc2Instance", graph.Bag{"instanceId": "i-2", "state": "terminated"}))
	assert.True(t, f.Admit(ctx, "AwsEksCluster", graph.Bag{"name": "prod", "state": "terminated"}))
}

func TestAdmit_PolicyUndefinedAdmits(t *testing.T) {
	f, err := New(nil, nil, nil).WithPolicy(context.Background(), "partial.rego", `package cartograph

admit if input.entity.name == "keep"
`)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, f.Admit(ctx, "KubeNamespace", graph.Bag{"name": "keep"}))
	assert.True(t, f.Admit(ctx, "KubeNamespace", graph.Bag{"name": "other"}))
}

func TestAdmit_PolicyNonBoolAdmits(t *testing.T) {
	f, err := New(nil, nil, nil).WithPolicy(context.Background(), "odd.rego", `package cartograph

admit := "yes"
`)
	require.NoError(t, err)
	assert.True(t, f.Admit(context.Background(), "KubeNamespace", graph.Bag{"name": "x"}))
}

func TestWithPolicy_CompileError(t *testing.T) {
	_, err := New(nil, nil, nil).WithPolicy(context.Background(), "broken.rego", "package cartograph\n\nadmit if {")
	assert.Error(t, err)
}

func TestTagFilterRunsBeforePolicy(t *testing.T) {
	f, err := New(nil, nil, map[string]string{"skip": "true"}).
		WithPolicy(context.Background(), "all.rego", "package cartograph\n\nadmit := true\n")
	require.NoError(t, err)

	assert.False(t, f.Admit(context.Background(), "AwsVpc", graph.Bag{"tags": map[string]string{"skip": "true"}}))
}
