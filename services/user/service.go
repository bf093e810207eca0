package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tunegate/pkg/config"
	"tunegate/pkg/errutil"
	"tunegate/services/ledger"
	"tunegate/services/pricing"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("user.service",
	fx.Provide(NewService),
)

type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	cfg    *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Ledger *ledger.Service
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, ledger: p.Ledger, cfg: p.Config}
}

// Sync upserts the local account row for a verified identity and opens a
// ledger account. First sight grants the configured welcome credits.
func (s *Service) Sync(ctx context.Context, userID, email string) (*User, error) {
	if userID == "" {
		return nil, errutil.InvalidInput("user id is required")
	}

	var u User
	err := s.db.WithContext(ctx).Where(&User{ID: userID}).First(&u).Error
	if err == nil {
		if email != "" && u.Email != email {
			if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
				"email":      email,
				"updated_at": time.Now(),
			}).Error; err != nil {
				return nil, err
			}
			u.Email = email
		}
		return &u, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	u = User{
		ID:        userID,
		Email:     email,
		Tier:      string(pricing.TierFree),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, err
	}

	if err := s.ledger.EnsureAccount(ctx, userID); err != nil {
		return nil, err
	}

	if s.cfg.WelcomeCredits > 0 {
		if _, err := s.ledger.Credit(ctx, ledger.CreditParams{
			UserID:      userID,
			Type:        ledger.EntryTypeGrant,
			Amount:      s.cfg.WelcomeCredits,
			ReferenceID: fmt.Sprintf("welcome-%s", userID),
			Description: "welcome grant",
		}); err != nil {
			zap.L().Error("welcome grant failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return &u, nil
}

func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where(&User{ID: userID}).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("user not found")
		}
		return nil, err
	}
	return &u, nil
}

func (s *Service) Tier(ctx context.Context, userID string) (pricing.Tier, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return pricing.Tier(u.Tier), nil
}

// SetTier records a tier change. upgradedAt is set when moving to pro and
// cleared when dropping back to free.
func (s *Service) SetTier(ctx context.Context, userID string, tier pricing.Tier) error {
	return s.setTier(ctx, s.db, userID, tier)
}

// SetTierTx is SetTier inside the caller's transaction, for flows where the
// tier change must commit or roll back together with other rows.
func (s *Service) SetTierTx(ctx context.Context, tx *gorm.DB, userID string, tier pricing.Tier) error {
	return s.setTier(ctx, tx, userID, tier)
}

func (s *Service) setTier(ctx context.Context, db *gorm.DB, userID string, tier pricing.Tier) error {
	updates := map[string]any{
		"tier":       string(tier),
		"updated_at": time.Now(),
	}
	if tier == pricing.TierPro {
		updates["upgraded_at"] = time.Now()
	} else {
		updates["upgraded_at"] = nil
	}

	result := db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errutil.NotFound("user not found")
	}
	return nil
}

// ProUsers lists users currently on the pro tier, for revalidation sweeps.
func (s *Service) ProUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Where(&User{Tier: string(pricing.TierPro)}).
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}
