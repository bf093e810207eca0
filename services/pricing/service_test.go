package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tunegate/pkg/config"
	"tunegate/pkg/errutil"
	"tunegate/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Rate{})
	cfg := (&config.Config{}).WithDefaults()

	return NewService(ServiceParams{DB: db, Config: cfg})
}

func TestPriceCeilingBlocks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// 4 minutes of piano on the free tier: two 3-minute blocks.
	cost, err := svc.Price(ctx, KindPiano, 4*time.Minute, true, TierFree)
	require.NoError(t, err)
	require.Equal(t, int64(400), cost)

	// Exactly one block.
	cost, err = svc.Price(ctx, KindPiano, 3*time.Minute, true, TierFree)
	require.NoError(t, err)
	require.Equal(t, int64(200), cost)

	// One second past a block boundary rounds up.
	cost, err = svc.Price(ctx, KindPiano, 3*time.Minute+time.Second, true, TierFree)
	require.NoError(t, err)
	require.Equal(t, int64(400), cost)
}

func TestPriceProDiscount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cost, err := svc.Price(ctx, KindSpleeter, 2*time.Minute, true, TierPro)
	require.NoError(t, err)
	require.Equal(t, int64(225), cost)

	cost, err = svc.Price(ctx, KindYourmt3, 7*time.Minute, true, TierPro)
	require.NoError(t, err)
	require.Equal(t, int64(900), cost) // 3 blocks at 300
}

func TestPriceUnknownDurationBillsMinimum(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cost, err := svc.Price(ctx, KindPiano, 0, false, TierFree)
	require.NoError(t, err)
	require.Equal(t, int64(200), cost)
}

func TestPriceRejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Price(ctx, KindPiano, 0, true, TierFree)
	requireStatus(t, err, errutil.StatusInvalidInput)

	_, err = svc.Price(ctx, KindPiano, -time.Minute, true, TierFree)
	requireStatus(t, err, errutil.StatusInvalidInput)

	_, err = svc.Price(ctx, Kind("tuba"), time.Minute, true, TierFree)
	requireStatus(t, err, errutil.StatusInvalidInput)
}

func TestRateOverride(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetRate(ctx, "rate-1", KindPiano, 100, 80))

	cost, err := svc.Price(ctx, KindPiano, 4*time.Minute, true, TierFree)
	require.NoError(t, err)
	require.Equal(t, int64(200), cost)

	cost, err = svc.Price(ctx, KindPiano, 4*time.Minute, true, TierPro)
	require.NoError(t, err)
	require.Equal(t, int64(160), cost)

	// Upsert replaces the existing row.
	require.NoError(t, svc.SetRate(ctx, "rate-2", KindPiano, 50, 40))

	cost, err = svc.Price(ctx, KindPiano, time.Minute, true, TierFree)
	require.NoError(t, err)
	require.Equal(t, int64(50), cost)
}

func requireStatus(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()

	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected BaseError, got %v", err)
	require.Equal(t, want, base.Code)
}
