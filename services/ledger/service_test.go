package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tunegate/pkg/errutil"
	"tunegate/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Balance{}, &CreditReservation{}, &LedgerEntry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func fundAccount(t *testing.T, svc *Service, userID string, amount int64) {
	t.Helper()

	require.NoError(t, svc.EnsureAccount(context.Background(), userID))
	_, err := svc.Credit(context.Background(), CreditParams{
		UserID:      userID,
		Type:        EntryTypeGrant,
		Amount:      amount,
		ReferenceID: "grant-" + userID,
		Description: "test grant",
	})
	require.NoError(t, err)
}

func requireStatus(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()

	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected BaseError, got %v", err)
	require.Equal(t, want, base.Code)
}

func TestBalanceMatchesEntryFold(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 400)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, res.ID)
	require.NoError(t, err)

	ok, err := svc.VerifyBalance(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestReserveInsufficientCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 300)

	_, err := svc.Reserve(ctx, "user-1", "job-1", 400)
	requireStatus(t, err, errutil.StatusInsufficientCredits)

	holds, err := svc.StaleHolds(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, holds)
}

func TestReserveCountsOutstandingHolds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	_, err := svc.Reserve(ctx, "user-1", "job-1", 300)
	require.NoError(t, err)

	// 200 available after the first hold.
	_, err = svc.Reserve(ctx, "user-1", "job-2", 300)
	requireStatus(t, err, errutil.StatusInsufficientCredits)

	available, err := svc.Available(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), available)
}

func TestReserveIdempotentPerJob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	first, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)

	second, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	available, err := svc.Available(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), available)
}

func TestConfirmIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)

	entry, err := svc.Confirm(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-200), entry.Amount)

	again, err := svc.Confirm(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, entry.ID, again.ID)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), balance)
}

func TestReleaseKeepsBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, res.ID))
	// Settlement retries hit Release again; it must stay a no-op.
	require.NoError(t, svc.Release(ctx, res.ID))

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)

	available, err := svc.Available(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), available)

	entries, err := svc.Entries(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1) // only the funding grant
}

func TestConfirmAfterReleaseFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, res.ID))

	_, err = svc.Confirm(ctx, res.ID)
	requireStatus(t, err, errutil.StatusInvalidState)
}

func TestReleaseAfterConfirmFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, res.ID)
	require.NoError(t, err)

	err = svc.Release(ctx, res.ID)
	requireStatus(t, err, errutil.StatusInvalidState)
}

func TestCreditIdempotentPerReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureAccount(ctx, "user-1"))

	first, err := svc.Credit(ctx, CreditParams{
		UserID:      "user-1",
		Type:        EntryTypeRecharge,
		Amount:      1000,
		ReferenceID: "order-1",
	})
	require.NoError(t, err)

	second, err := svc.Credit(ctx, CreditParams{
		UserID:      "user-1",
		Type:        EntryTypeRecharge,
		Amount:      1000,
		ReferenceID: "order-1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestVerifyChain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, res.ID)
	require.NoError(t, err)

	ok, err := svc.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Tampering with a stored amount must break the chain.
	require.NoError(t, svc.db.Model(&LedgerEntry{}).
		Where("user_id = ? AND type = ?", "user-1", EntryTypeConsumption).
		Update("amount", int64(-1)).Error)

	ok, err = svc.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaleHolds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fundAccount(t, svc, "user-1", 500)

	res, err := svc.Reserve(ctx, "user-1", "job-1", 200)
	require.NoError(t, err)

	holds, err := svc.StaleHolds(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, holds, 1)
	require.Equal(t, res.ID, holds[0].ID)

	require.NoError(t, svc.Release(ctx, res.ID))

	holds, err = svc.StaleHolds(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, holds)
}
