package invite

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleRevalidateTask re-checks every pro user's granting redemption and
// downgrades the lapsed ones. Scheduled periodically by the worker.
func (s *Service) HandleRevalidateTask(ctx context.Context, t *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", t.Type()))

	downgraded, err := s.Revalidate(ctx)
	if err != nil {
		zapLog.Error("invite revalidation failed", zap.Error(err))
		return err
	}

	zapLog.Info("invite revalidation finished", zap.Int("downgraded", downgraded))
	return nil
}
