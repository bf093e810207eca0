package pricing

import (
	"context"
	"errors"
	"time"

	"tunegate/pkg/config"
	"tunegate/pkg/errutil"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("pricing.service",
	fx.Provide(NewService),
)

// Service computes job cost in credit cents. A partial billing block counts
// as a full block.
type Service struct {
	db  *gorm.DB
	cfg *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, cfg: p.Config}
}

func (s *Service) BlockSeconds() int64 {
	return s.cfg.Pricing.BlockSeconds
}

func (s *Service) defaultRate(kind Kind) config.RateConfig {
	switch kind {
	case KindPiano:
		return s.cfg.Pricing.Piano
	case KindSpleeter:
		return s.cfg.Pricing.Spleeter
	default:
		return s.cfg.Pricing.Yourmt3
	}
}

func (s *Service) rate(ctx context.Context, kind Kind, tier Tier) (int64, error) {
	perBlock := s.defaultRate(kind)

	var override Rate
	err := s.db.WithContext(ctx).Where(&Rate{Kind: string(kind)}).First(&override).Error
	if err == nil {
		perBlock = config.RateConfig{
			FreePerBlock: override.FreePerBlock,
			ProPerBlock:  override.ProPerBlock,
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	if tier == TierPro {
		return perBlock.ProPerBlock, nil
	}
	return perBlock.FreePerBlock, nil
}

// Price returns the cost for processing duration of audio. durationKnown=false
// (probe failure) bills the one-block minimum. A zero or negative known
// duration is rejected before any side effect.
func (s *Service) Price(ctx context.Context, kind Kind, duration time.Duration, durationKnown bool, tier Tier) (int64, error) {
	if !kind.Valid() {
		return 0, errutil.InvalidInput("unsupported job kind")
	}

	blocks := int64(1)
	if durationKnown {
		if duration <= 0 {
			return 0, errutil.InvalidInput("duration must be positive")
		}
		blockSeconds := s.cfg.Pricing.BlockSeconds
		seconds := int64(duration / time.Second)
		if duration%time.Second != 0 {
			seconds++
		}
		blocks = (seconds + blockSeconds - 1) / blockSeconds
		if blocks < 1 {
			blocks = 1
		}
	}

	perBlock, err := s.rate(ctx, kind, tier)
	if err != nil {
		return 0, err
	}

	return blocks * perBlock, nil
}

// SetRate upserts a per-kind override.
func (s *Service) SetRate(ctx context.Context, id string, kind Kind, freePerBlock, proPerBlock int64) error {
	if !kind.Valid() {
		return errutil.InvalidInput("unsupported job kind")
	}
	if freePerBlock <= 0 || proPerBlock <= 0 {
		return errutil.InvalidInput("per-block rates must be > 0")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Rate
		err := tx.Where(&Rate{Kind: string(kind)}).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := time.Now()
			return tx.Create(&Rate{
				ID:           id,
				Kind:         string(kind),
				FreePerBlock: freePerBlock,
				ProPerBlock:  proPerBlock,
				CreatedAt:    now,
				UpdatedAt:    now,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&Rate{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"free_per_block": freePerBlock,
			"pro_per_block":  proPerBlock,
			"updated_at":     time.Now(),
		}).Error
	})
}
