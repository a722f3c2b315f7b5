package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

var testScope = graph.NewScope(map[string]string{graph.AccountKey: "123456789012", graph.RegionKey: "us-east-1"})

func target(entityType string) scan.Target {
	return scan.Target{Provider: "aws", Scope: testScope, EntityType: entityType}
}

func result(entityType string, merged int, err error) scan.PassResult {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return scan.PassResult{
		Target:   target(entityType),
		Started:  start,
		Finished: start.Add(3 * time.Second),
		Pages:    1,
		Merged:   merged,
		Swept:    err == nil,
		Err:      err,
	}
}

func openJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(dir)
	require.NoError(t, err)
	return j
}

func TestFromResult(t *testing.T) {
	e := FromResult(result("AwsVpc", 4, errors.New("throttled")))

	assert.Equal(t, target("AwsVpc").Key(), e.Target)
	assert.Equal(t, "aws", e.Provider)
	assert.Equal(t, "AwsVpc", e.EntityType)
	assert.Equal(t, testScope.String(), e.Scope)
	assert.Equal(t, 4, e.Merged)
	assert.Equal(t, "partial", e.Status)
	assert.Equal(t, "throttled", e.Error)
	assert.Equal(t, 3*time.Second, e.Duration())
}

func TestRecord_AssignsSequence(t *testing.T) {
	j := openJournal(t, t.TempDir())
	defer j.Close()

	first, err := j.Record(FromResult(result("AwsVpc", 2, nil)))
	require.NoError(t, err)
	second, err := j.Record(FromResult(result("AwsVpc", 3, nil)))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
}

func TestTargets_TrackFailures(t *testing.T) {
	j := openJournal(t, t.TempDir())
	defer j.Close()

	ctx := context.Background()
	j.ObservePass(ctx, result("AwsVpc", 2, nil))
	j.ObservePass(ctx, result("AwsVpc", 0, errors.New("denied")))
	j.ObservePass(ctx, result("AwsVpc", 0, errors.New("denied")))
	j.ObservePass(ctx, result("AwsSubnet", 5, nil))

	states := j.Targets()
	require.Len(t, states, 2)
	assert.Equal(t, target("AwsSubnet").Key(), states[0].Target)
	assert.Equal(t, target("AwsVpc").Key(), states[1].Target)

	vpc := states[1]
	assert.Equal(t, 3, vpc.Passes)
	assert.Equal(t, 2, vpc.ConsecutiveFailures)
	assert.Equal(t, "failed", vpc.Last.Status)
	assert.False(t, vpc.LastSuccess.IsZero())

	j.ObservePass(ctx, result("AwsVpc", 1, nil))
	vpcState, ok := j.Target(target("AwsVpc").Key())
	require.True(t, ok)
	assert.Equal(t, 0, vpcState.ConsecutiveFailures)
	assert.Equal(t, 4, vpcState.Passes)

	_, ok = j.Target("aws/AwsIamRole/account=1")
	assert.False(t, ok)
}

func TestOpen_RebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir)
	j.ObservePass(context.Background(), result("AwsVpc", 2, nil))
	j.ObservePass(context.Background(), result("AwsVpc", 0, errors.New("denied")))
	require.NoError(t, j.Close())

	j = openJournal(t, dir)
	defer j.Close()

	state, ok := j.Target(target("AwsVpc").Key())
	require.True(t, ok)
	assert.Equal(t, 2, state.Passes)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Equal(t, uint64(2), state.Last.Seq)

	seq, err := j.Record(FromResult(result("AwsVpc", 1, nil)))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestRecent_NewestFirst(t *testing.T) {
	j := openJournal(t, t.TempDir())
	defer j.Close()

	for _, kind := range []string{"AwsVpc", "AwsSubnet", "AwsSecurityGroup"} {
		_, err := j.Record(FromResult(result(kind, 1, nil)))
		require.NoError(t, err)
	}

	recent, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "AwsSecurityGroup", recent[0].EntityType)
	assert.Equal(t, "AwsSubnet", recent[1].EntityType)

	all, err := j.Recent(10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCompact(t *testing.T) {
	j := openJournal(t, t.TempDir())
	defer j.Close()

	for i := 0; i < 5; i++ {
		_, err := j.Record(FromResult(result("AwsVpc", i, nil)))
		require.NoError(t, err)
	}

	deleted, err := j.Compact(2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	recent, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(5), recent[0].Seq)
	assert.Equal(t, uint64(4), recent[1].Seq)

	deleted, err = j.Compact(10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	state, ok := j.Target(target("AwsVpc").Key())
	require.True(t, ok)
	assert.Equal(t, 5, state.Passes)
}

func TestOpenReadOnly(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir)
	j.ObservePass(context.Background(), result("AwsVpc", 2, nil))
	require.NoError(t, j.Close())

	ro, err := OpenReadOnly(dir)
	require.NoError(t, err)
	defer ro.Close()

	assert.Len(t, ro.Targets(), 1)
	_, err = ro.Record(FromResult(result("AwsVpc", 1, nil)))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestOpenReadOnly_Missing(t *testing.T) {
	_, err := OpenReadOnly(t.TempDir())
	assert.Error(t, err)
}
