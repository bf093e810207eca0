package cache

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tunegate/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &CachedResult{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestLookupMissThenHit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	got, err := svc.Lookup(ctx, "hash-1", "piano", "")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, svc.Store(ctx, "hash-1", "piano", "", "results/r1.mid"))

	got, err = svc.Lookup(ctx, "hash-1", "piano", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "results/r1.mid", got.ResultRef)
}

func TestLookupKeyedPerKindAndParams(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, "hash-1", "spleeter", "stems=2", "results/2stems.zip"))

	got, err := svc.Lookup(ctx, "hash-1", "spleeter", "stems=4")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = svc.Lookup(ctx, "hash-1", "piano", "")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = svc.Lookup(ctx, "hash-1", "spleeter", "stems=2")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStoreKeepsFirstResult(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, "hash-1", "piano", "", "results/first.mid"))
	require.NoError(t, svc.Store(ctx, "hash-1", "piano", "", "results/second.mid"))

	got, err := svc.Lookup(ctx, "hash-1", "piano", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "results/first.mid", got.ResultRef)
}
