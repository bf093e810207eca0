package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("cache.service",
	fx.Provide(NewService),
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, node: p.Node}
}

// Lookup returns the cached result for (hash, kind, params), or nil on miss.
func (s *Service) Lookup(ctx context.Context, hash, kind, params string) (*CachedResult, error) {
	var result CachedResult
	err := s.db.WithContext(ctx).
		Where(&CachedResult{Hash: hash, Kind: kind, Params: params}).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Store records a produced result. A concurrent or repeated store for the
// same key keeps the first row.
func (s *Service) Store(ctx context.Context, hash, kind, params, resultRef string) error {
	entry := &CachedResult{
		ID:         s.node.Generate().String(),
		Hash:       hash,
		Kind:       kind,
		Params:     params,
		ResultRef:  resultRef,
		ProducedAt: time.Now(),
	}

	err := s.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		if existing, lookupErr := s.Lookup(ctx, hash, kind, params); lookupErr == nil && existing != nil {
			zap.L().Debug("cache store raced, keeping first result",
				zap.String("hash", hash),
				zap.String("kind", kind),
			)
			return nil
		}
		return err
	}
	return nil
}
