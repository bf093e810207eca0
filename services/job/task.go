package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tunegate/pkg/errutil"
	"tunegate/services/pricing"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

func NewJobPayload(jobID string) ([]byte, error) {
	return json.Marshal(JobPayload{JobID: jobID})
}

// HandlePollTask checks the backend for a verdict. Still-pending jobs get the
// poll re-enqueued; jobs past their deadline are timed out instead.
func (s *Service) HandlePollTask(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	job, err := s.Get(ctx, payload.JobID)
	if err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) && base.Code == errutil.StatusNotFound {
			return nil
		}
		return err
	}

	// A verdict was recorded but settlement failed on a previous delivery.
	// Settlement is idempotent, so redeliveries keep driving it to settled.
	switch job.State {
	case StateSettled:
		return nil
	case StateSucceeded:
		return s.settleSuccess(ctx, job)
	case StateFailed:
		return s.settleFailure(ctx, job)
	}

	if time.Since(job.CreatedAt) > s.cfg.Orchestrator.JobDeadline {
		return s.ForceTimeout(ctx, job.ID)
	}

	backend, ok := s.backends[pricing.Kind(job.Kind)]
	if !ok {
		return s.ForceTimeout(ctx, job.ID)
	}

	status, err := backend.Status(ctx, job.ExternalRef)
	if err != nil {
		zap.L().Warn("backend status check failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return err
	}

	if status.State == BackendPending {
		s.enqueuePoll(ctx, job.ID, s.cfg.Orchestrator.PollInterval)
		return nil
	}

	return s.HandleCompletion(ctx, job.ID, status)
}

// HandleTimeoutTask fires at the job deadline. Jobs that already settled make
// this a no-op.
func (s *Service) HandleTimeoutTask(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	return s.ForceTimeout(ctx, payload.JobID)
}

// HandleReleaseTask retries releasing the hold behind a failed job until it
// sticks. asynq's retry schedule does the backoff.
func (s *Service) HandleReleaseTask(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	job, err := s.Get(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job.State == StateSettled {
		return nil
	}
	if job.ReservationID == "" {
		return s.markSettled(ctx, job.ID)
	}

	if err := s.ledger.Release(ctx, job.ReservationID); err != nil {
		return err
	}
	return s.markSettled(ctx, job.ID)
}

// HandleSweepHoldsTask resolves reservations still held past the grace
// window whose job is gone or no longer in flight: holds behind succeeded
// jobs are confirmed, the rest released. It backstops crashes between
// reserve and dispatch and lost settlement tasks.
func (s *Service) HandleSweepHoldsTask(ctx context.Context, t *asynq.Task) error {
	cutoff := time.Now().Add(-s.cfg.Orchestrator.SweepGrace)
	holds, err := s.ledger.StaleHolds(ctx, cutoff)
	if err != nil {
		return err
	}

	released, confirmed := 0, 0
	for _, hold := range holds {
		job, err := s.Get(ctx, hold.JobID)
		if err != nil {
			var base errutil.BaseError
			if !errors.As(err, &base) || base.Code != errutil.StatusNotFound {
				zap.L().Error("sweep: job lookup failed",
					zap.String("job_id", hold.JobID),
					zap.Error(err),
				)
				continue
			}
			job = nil
		}
		if job != nil && job.InFlight() {
			continue
		}

		// Verified success keeps its charge: confirm the hold instead of
		// releasing it.
		if job != nil && job.Outcome == OutcomeSucceeded {
			if err := s.settleSuccess(ctx, job); err != nil {
				zap.L().Error("sweep: confirm failed",
					zap.String("reservation_id", hold.ID),
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
				continue
			}
			confirmed++
			continue
		}

		if err := s.ledger.Release(ctx, hold.ID); err != nil {
			zap.L().Error("sweep: release failed",
				zap.String("reservation_id", hold.ID),
				zap.String("job_id", hold.JobID),
				zap.Error(err),
			)
			continue
		}
		released++

		if job != nil && job.State == StateFailed {
			if err := s.markSettled(ctx, job.ID); err != nil {
				zap.L().Error("sweep: settle failed",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
			}
		}
	}

	if released > 0 || confirmed > 0 {
		zap.L().Info("swept stale holds",
			zap.Int("released", released),
			zap.Int("confirmed", confirmed),
		)
	}
	return nil
}
