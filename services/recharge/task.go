package recharge

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleExpireOrdersTask voids pending orders past the TTL.
func (s *Service) HandleExpireOrdersTask(ctx context.Context, t *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", t.Type()))

	expired, err := s.ExpireStale(ctx)
	if err != nil {
		zapLog.Error("order expiry sweep failed", zap.Error(err))
		return err
	}

	if expired > 0 {
		zapLog.Info("expired stale orders", zap.Int64("count", expired))
	}
	return nil
}
