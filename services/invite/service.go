package invite

import (
	"context"
	"errors"
	"time"

	"tunegate/pkg/db"
	"tunegate/pkg/errutil"
	"tunegate/pkg/sequence"
	"tunegate/services/pricing"
	"tunegate/services/user"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("invite.service",
	fx.Provide(NewService),
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	seq   sequence.Generator
	users *user.Service
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Seq   sequence.Generator `optional:"true"`
	Users *user.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		seq:   p.Seq,
		users: p.Users,
	}
}

type CreateParams struct {
	TargetTier pricing.Tier
	MaxUses    int64
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// Create issues a new code. The code string comes from the sequence
// generator so codes stay short and human-readable.
func (s *Service) Create(ctx context.Context, p CreateParams) (*InviteCode, error) {
	if p.TargetTier != pricing.TierPro {
		return nil, errutil.InvalidInput("only pro upgrades are supported")
	}
	if p.MaxUses < 1 {
		return nil, errutil.InvalidInput("max uses must be >= 1")
	}

	code, err := s.seq.NextInviteCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	invite := &InviteCode{
		ID:         s.node.Generate().String(),
		Code:       code,
		TargetTier: string(p.TargetTier),
		MaxUses:    p.MaxUses,
		ValidFrom:  p.ValidFrom,
		ValidUntil: p.ValidUntil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(invite).Error; err != nil {
		return nil, err
	}
	return invite, nil
}

// Redeem consumes one use of the code and upgrades the user. The use count
// is taken with a guarded UPDATE so a race between two redemptions of the
// last use has exactly one winner. A repeat redemption by the same user
// fails with AlreadyRedeemed and changes nothing.
func (s *Service) Redeem(ctx context.Context, userID, code string) (pricing.Tier, error) {
	if code == "" {
		return "", errutil.InvalidInput("code is required")
	}

	var tier pricing.Tier
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite InviteCode
		if err := db.ForUpdate(tx).Where(&InviteCode{Code: code}).First(&invite).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.CodeNotFound("invite code not found")
			}
			return err
		}

		now := time.Now()
		if invite.ValidFrom != nil && now.Before(*invite.ValidFrom) {
			return errutil.CodeExhausted("invite code is not yet valid")
		}
		if invite.ValidUntil != nil && now.After(*invite.ValidUntil) {
			return errutil.CodeExhausted("invite code has expired")
		}

		var prior Redemption
		err := tx.Where(&Redemption{CodeID: invite.ID, UserID: userID}).First(&prior).Error
		if err == nil {
			return errutil.AlreadyRedeemed("code already redeemed by this user")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		result := tx.Model(&InviteCode{}).
			Where("id = ? AND used_count < max_uses", invite.ID).
			Updates(map[string]any{
				"used_count": gorm.Expr("used_count + 1"),
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errutil.CodeExhausted("invite code has no uses left")
		}

		if err := tx.Create(&Redemption{
			ID:         s.node.Generate().String(),
			CodeID:     invite.ID,
			UserID:     userID,
			ExpiresAt:  invite.ValidUntil,
			RedeemedAt: now,
		}).Error; err != nil {
			return err
		}

		tier = pricing.Tier(invite.TargetTier)

		// The consumed use and the upgrade commit together: a failed
		// tier update must not burn the code.
		return s.users.SetTierTx(ctx, tx, userID, tier)
	})
	if err != nil {
		return "", err
	}

	zap.L().Info("invite redeemed",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
	)
	return tier, nil
}

// Revalidate downgrades pro users whose granting redemption has lapsed.
func (s *Service) Revalidate(ctx context.Context) (int, error) {
	proUsers, err := s.users.ProUsers(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	downgraded := 0
	for _, u := range proUsers {
		var latest Redemption
		err := s.db.WithContext(ctx).
			Where(&Redemption{UserID: u.ID}).
			Order("redeemed_at DESC").
			First(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return downgraded, err
		}

		if latest.ExpiresAt == nil || now.Before(*latest.ExpiresAt) {
			continue
		}

		if err := s.users.SetTier(ctx, u.ID, pricing.TierFree); err != nil {
			zap.L().Error("tier downgrade failed", zap.String("user_id", u.ID), zap.Error(err))
			continue
		}
		downgraded++
		zap.L().Info("pro tier lapsed", zap.String("user_id", u.ID))
	}

	return downgraded, nil
}
