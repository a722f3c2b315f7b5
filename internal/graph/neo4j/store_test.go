package neo4j

import (
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/cartograph/internal/graph"
)

func TestConvert(t *testing.T) {
	node := neo4j.Node{ElementId: "4:x:1", Labels: []string{"AwsSubnet"}, Props: map[string]any{"arn": "s1"}}
	rel := neo4j.Relationship{Type: "RESIDES_IN", Props: map[string]any{}}

	assert.Equal(t, graph.Node{Labels: []string{"AwsSubnet"}, Props: map[string]any{"arn": "s1"}}, convert(node))
	assert.Equal(t, graph.Edge{Type: "RESIDES_IN", Props: map[string]any{}}, convert(rel))
	assert.Equal(t, []any{graph.Node{Labels: []string{"AwsSubnet"}, Props: map[string]any{"arn": "s1"}}, int64(1)},
		convert([]any{node, int64(1)}))
	assert.Equal(t, "plain", convert("plain"))
}
