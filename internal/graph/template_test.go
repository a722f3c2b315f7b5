package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore captures submissions and replays canned records.
type recordingStore struct {
	cypher  string
	params  map[string]any
	records []Record
	RunFunc func(ctx context.Context, cypher string, params map[string]any) (Result, error)
}

func (s *recordingStore) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	s.cypher = cypher
	s.params = params
	if s.RunFunc != nil {
		return s.RunFunc(ctx, cypher, params)
	}
	return NewSliceResult(s.records), nil
}

func (s *recordingStore) Close(context.Context) error { return nil }

func TestTemplate_WithMethodsDoNotMutateReceiver(t *testing.T) {
	base := NewTemplate(&recordingStore{}).WithCypher("RETURN 1").WithParam("a", 1)

	derived := base.WithParam("b", "two").WithLimit(5).WithCypher("RETURN 2").WithShape(ShapeNode)

	assert.Equal(t, "RETURN 1", base.Cypher())
	assert.Equal(t, map[string]any{"a": int64(1)}, base.Params())
	assert.Equal(t, 0, base.Limit())

	assert.Equal(t, "RETURN 2", derived.Cypher())
	assert.Equal(t, map[string]any{"a": int64(1), "b": "two"}, derived.Params())
	assert.Equal(t, 5, derived.Limit())
}

func TestTemplate_SiblingsDoNotShareParams(t *testing.T) {
	base := NewTemplate(&recordingStore{}).WithParam("shared", "x")
	left := base.WithParam("side", "left")
	right := base.WithParam("side", "right")

	assert.Equal(t, "left", left.Params()["side"])
	assert.Equal(t, "right", right.Params()["side"])
	assert.NotContains(t, base.Params(), "side")
}

func TestTemplate_BoundValuesAreCopied(t *testing.T) {
	tags := map[string]string{"env": "prod"}
	list := []string{"a", "b"}
	tmpl := NewTemplate(&recordingStore{}).WithParam("tags", tags).WithParam("list", list)

	tags["env"] = "dev"
	list[0] = "z"

	assert.Equal(t, map[string]any{"env": "prod"}, tmpl.Params()["tags"])
	assert.Equal(t, []any{"a", "b"}, tmpl.Params()["list"])
}

func TestTemplate_SubmitsParamsNestedAndTopLevel(t *testing.T) {
	store := &recordingStore{}
	err := NewTemplate(store).WithCypher("RETURN $__params.a").WithParam("a", "x").Exec(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "x", store.params["a"])
	assert.Equal(t, map[string]any{"a": "x"}, store.params[ParamsKey])
}

func TestTemplate_EmptyParamsSubmittedAsEmptyNestedMap(t *testing.T) {
	store := &recordingStore{}
	require.NoError(t, NewTemplate(store).WithCypher("RETURN 1").Exec(context.Background()))

	assert.Equal(t, map[string]any{ParamsKey: map[string]any{}}, store.params)
}

func TestTemplate_NoQuery(t *testing.T) {
	_, err := NewTemplate(&recordingStore{}).WithParam("a", 1).List(context.Background())
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestTemplate_NoStore(t *testing.T) {
	err := Template{}.WithCypher("RETURN 1").Exec(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestTemplate_UnsupportedValueSurfacesAtTerminal(t *testing.T) {
	store := &recordingStore{}
	tmpl := NewTemplate(store).WithCypher("RETURN 1").WithParam("fn", func() {})

	err := tmpl.Exec(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	assert.Empty(t, store.cypher, "nothing should be submitted")
}

func TestTemplate_ReservedParamName(t *testing.T) {
	err := NewTemplate(&recordingStore{}).WithCypher("RETURN 1").WithParam(ParamsKey, 1).Exec(context.Background())
	assert.ErrorIs(t, err, ErrReservedParam)
}

func TestTemplate_NormalizesValues(t *testing.T) {
	type state string
	n := 7
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	p := NewTemplate(nil).WithParams(map[string]any{
		"int":    int32(3),
		"uint":   uint16(4),
		"float":  float32(1.5),
		"named":  state("running"),
		"ptr":    &n,
		"nilptr": (*int)(nil),
		"time":   ts,
		"nested": map[string][]int{"a": {1, 2}},
	}).Params()

	assert.Equal(t, int64(3), p["int"])
	assert.Equal(t, int64(4), p["uint"])
	assert.Equal(t, float64(1.5), p["float"])
	assert.Equal(t, "running", p["named"])
	assert.Equal(t, int64(7), p["ptr"])
	assert.Nil(t, p["nilptr"])
	assert.Equal(t, ts, p["time"])
	assert.Equal(t, map[string]any{"a": []any{int64(1), int64(2)}}, p["nested"])
}

func TestTemplate_LimitCapsRecords(t *testing.T) {
	store := &recordingStore{records: []Record{{"v": 1}, {"v": 2}, {"v": 3}}}
	tmpl := NewTemplate(store).WithCypher("UNWIND [1,2,3] AS v RETURN v")

	all, err := tmpl.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)

	capped, err := tmpl.WithLimit(2).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestTemplate_FirstOnEmptyResult(t *testing.T) {
	rec, ok, err := NewTemplate(&recordingStore{}).WithCypher("MATCH (n) RETURN n").First(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestTemplate_ShapeNodeFlattensSingleNode(t *testing.T) {
	store := &recordingStore{records: []Record{
		{"n": Node{Labels: []string{"Thing"}, Props: map[string]any{"id": "a"}}},
	}}
	tmpl := NewTemplate(store).WithCypher("MATCH (n:Thing) RETURN n")

	rec, ok, err := tmpl.WithShape(ShapeNode).First(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{"id": "a"}, rec)

	rec, _, err = tmpl.First(context.Background())
	require.NoError(t, err)
	assert.IsType(t, Node{}, rec["n"])
}

func TestTemplate_ForEachStopsOnCallbackError(t *testing.T) {
	store := &recordingStore{records: []Record{{"v": 1}, {"v": 2}}}
	stop := errors.New("stop")
	calls := 0

	err := NewTemplate(store).WithCypher("RETURN v").ForEach(context.Background(), func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestTemplate_StoreErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	store := &recordingStore{RunFunc: func(context.Context, string, map[string]any) (Result, error) {
		return nil, boom
	}}
	err := NewTemplate(store).WithCypher("MATCH (n) RETURN n").Exec(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "MATCH")
}

func TestCursor_CloseIsIdempotent(t *testing.T) {
	cur, err := NewTemplate(&recordingStore{}).WithCypher("RETURN 1").Run(context.Background())
	require.NoError(t, err)
	assert.NoError(t, cur.Close(context.Background()))
	assert.NoError(t, cur.Close(context.Background()))
}

func TestProperties_FlattensNestedMaps(t *testing.T) {
	props, err := properties(Bag{
		"id":      "x",
		"vpc":     map[string]any{"id": "vpc-1", "cidr": "10.0.0.0/16"},
		"subnets": []string{"s1", "s2"},
		"rules":   []map[string]any{{"port": 443}},
		"gone":    nil,
	})
	require.NoError(t, err)

	assert.Equal(t, "vpc-1", props["vpc_id"])
	assert.Equal(t, "10.0.0.0/16", props["vpc_cidr"])
	assert.Equal(t, []any{"s1", "s2"}, props["subnets"])
	assert.JSONEq(t, `[{"port":443}]`, props["rules"].(string))
	assert.NotContains(t, props, "gone")
	assert.NotContains(t, props, "vpc")
}
