package invite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tunegate/pkg/config"
	"tunegate/pkg/errutil"
	"tunegate/services/ledger"
	"tunegate/services/pricing"
	"tunegate/services/testutil"
	"tunegate/services/user"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqMock struct {
	mu sync.Mutex
	n  int
}

func (m *seqMock) NextInviteCode(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return fmt.Sprintf("INV-%04d", m.n), nil
}

func (m *seqMock) NextOrderCode(ctx context.Context, provider string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return fmt.Sprintf("ORD-%04d", m.n), nil
}

type fixture struct {
	invites *Service
	users   *user.Service
	db      *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&InviteCode{}, &Redemption{}, &user.User{},
		&ledger.Balance{}, &ledger.CreditReservation{}, &ledger.LedgerEntry{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := (&config.Config{}).WithDefaults()
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	userSvc := user.NewService(user.ServiceParams{DB: db, Ledger: ledgerSvc, Config: cfg})

	return &fixture{
		invites: NewService(ServiceParams{DB: db, Node: node, Seq: &seqMock{}, Users: userSvc}),
		users:   userSvc,
		db:      db,
	}
}

func (f *fixture) addUser(t *testing.T, id string) {
	t.Helper()
	_, err := f.users.Sync(context.Background(), id, id+"@example.com")
	require.NoError(t, err)
}

func requireStatus(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()

	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected BaseError, got %v", err)
	require.Equal(t, want, base.Code)
}

func TestRedeemUpgradesTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "user-1")

	code, err := f.invites.Create(ctx, CreateParams{TargetTier: pricing.TierPro, MaxUses: 5})
	require.NoError(t, err)

	tier, err := f.invites.Redeem(ctx, "user-1", code.Code)
	require.NoError(t, err)
	require.Equal(t, pricing.TierPro, tier)

	got, err := f.users.Tier(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, pricing.TierPro, got)
}

func TestRedeemUnknownCode(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1")

	_, err := f.invites.Redeem(context.Background(), "user-1", "INV-NOPE")
	requireStatus(t, err, errutil.StatusCodeNotFound)
}

func TestRedeemTwiceSameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "user-1")

	code, err := f.invites.Create(ctx, CreateParams{TargetTier: pricing.TierPro, MaxUses: 5})
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-1", code.Code)
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-1", code.Code)
	requireStatus(t, err, errutil.StatusAlreadyRedeemed)

	// The failed retry must not burn a use.
	var stored InviteCode
	require.NoError(t, f.db.Where(&InviteCode{ID: code.ID}).First(&stored).Error)
	require.Equal(t, int64(1), stored.UsedCount)
}

func TestSingleUseCodeHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "user-1")
	f.addUser(t, "user-2")

	code, err := f.invites.Create(ctx, CreateParams{TargetTier: pricing.TierPro, MaxUses: 1})
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-1", code.Code)
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-2", code.Code)
	requireStatus(t, err, errutil.StatusCodeExhausted)

	got, err := f.users.Tier(ctx, "user-2")
	require.NoError(t, err)
	require.Equal(t, pricing.TierFree, got)
}

func TestRedeemOutsideValidityWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "user-1")

	future := time.Now().Add(time.Hour)
	code, err := f.invites.Create(ctx, CreateParams{
		TargetTier: pricing.TierPro,
		MaxUses:    5,
		ValidFrom:  &future,
	})
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-1", code.Code)
	requireStatus(t, err, errutil.StatusCodeExhausted)

	past := time.Now().Add(-time.Hour)
	expired, err := f.invites.Create(ctx, CreateParams{
		TargetTier: pricing.TierPro,
		MaxUses:    5,
		ValidUntil: &past,
	})
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-1", expired.Code)
	requireStatus(t, err, errutil.StatusCodeExhausted)
}

func TestRevalidateDowngradesLapsedPro(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "user-1")
	f.addUser(t, "user-2")

	soon := time.Now().Add(50 * time.Millisecond)
	lapsing, err := f.invites.Create(ctx, CreateParams{
		TargetTier: pricing.TierPro,
		MaxUses:    1,
		ValidUntil: &soon,
	})
	require.NoError(t, err)

	open, err := f.invites.Create(ctx, CreateParams{TargetTier: pricing.TierPro, MaxUses: 1})
	require.NoError(t, err)

	_, err = f.invites.Redeem(ctx, "user-1", lapsing.Code)
	require.NoError(t, err)
	_, err = f.invites.Redeem(ctx, "user-2", open.Code)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	downgraded, err := f.invites.Revalidate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, downgraded)

	tier, err := f.users.Tier(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, pricing.TierFree, tier)

	tier, err = f.users.Tier(ctx, "user-2")
	require.NoError(t, err)
	require.Equal(t, pricing.TierPro, tier)
}

func TestRedeemRollsBackWhenUpgradeFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.invites.Create(ctx, CreateParams{TargetTier: pricing.TierPro, MaxUses: 1})
	require.NoError(t, err)

	// No account row yet: the tier update inside the transaction fails and
	// must take the consumed use down with it.
	_, err = f.invites.Redeem(ctx, "ghost", code.Code)
	requireStatus(t, err, errutil.StatusNotFound)

	var stored InviteCode
	require.NoError(t, f.db.Where(&InviteCode{Code: code.Code}).First(&stored).Error)
	require.Equal(t, int64(0), stored.UsedCount)

	var redemptions int64
	require.NoError(t, f.db.Model(&Redemption{}).Count(&redemptions).Error)
	require.Zero(t, redemptions)

	// Nothing was burned, so the code still works once the account exists.
	f.addUser(t, "ghost")
	tier, err := f.invites.Redeem(ctx, "ghost", code.Code)
	require.NoError(t, err)
	require.Equal(t, pricing.TierPro, tier)
}
