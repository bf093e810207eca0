package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tunegate/pkg/config"
	"tunegate/pkg/db/pagination"
	"tunegate/pkg/errutil"
	"tunegate/pkg/fingerprint"
	"tunegate/pkg/minio"
	"tunegate/pkg/task"
	"tunegate/pkg/taskname"
	"tunegate/services/cache"
	"tunegate/services/ledger"
	"tunegate/services/pricing"
	"tunegate/services/user"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var Module = fx.Module("job.service",
	fx.Provide(NewService),
)

// Service orchestrates processing jobs: fingerprint, cache check, credit
// reservation, dispatch to the inference backend and settlement against the
// ledger and cache once the backend reports a verdict.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	fp       fingerprint.Fingerprinter
	cache    *cache.Service
	pricing  *pricing.Service
	ledger   *ledger.Service
	users    *user.Service
	storage  minio.Storage
	backends Backends
	enqueue  task.Enqueuer
	cfg      *config.Config

	submitGroup singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB            *gorm.DB
	Node          *snowflake.Node
	Fingerprinter fingerprint.Fingerprinter
	Cache         *cache.Service
	Pricing       *pricing.Service
	Ledger        *ledger.Service
	Users         *user.Service
	Storage       minio.Storage
	Backends      Backends
	Enqueuer      task.Enqueuer
	Config        *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		fp:       p.Fingerprinter,
		cache:    p.Cache,
		pricing:  p.Pricing,
		ledger:   p.Ledger,
		users:    p.Users,
		storage:  p.Storage,
		backends: p.Backends,
		enqueue:  p.Enqueuer,
		cfg:      p.Config,
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type SubmitParams struct {
	UserID string
	Kind   pricing.Kind
	Params string
	Data   []byte
}

type SubmitResult struct {
	// CacheHit short-circuits everything: no job, no reservation, no charge.
	CacheHit  bool
	ResultRef string

	// Attached is set when the caller joined an already in-flight job.
	Attached bool
	Job      *ProcessingJob
}

// Submit runs the intake path and returns as soon as the job is dispatched.
// Completion is observed later through Get or the poll task. Identical
// concurrent submissions by the same user collapse into one job.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	if !p.Kind.Valid() {
		return nil, errutil.InvalidInput("unsupported job kind")
	}
	if len(p.Data) == 0 {
		return nil, errutil.InvalidInput("input file is empty")
	}

	fp := s.fp.Fingerprint(ctx, p.Data)

	cached, err := s.cache.Lookup(ctx, fp.Hash, string(p.Kind), p.Params)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		zap.L().With(traceFields(ctx)...).Info("cache hit",
			zap.String("user_id", p.UserID),
			zap.String("hash", fp.Hash),
			zap.String("kind", string(p.Kind)),
		)
		return &SubmitResult{CacheHit: true, ResultRef: cached.ResultRef}, nil
	}

	// Collapse is keyed on content, not caller: concurrent identical
	// submissions by different users share one job, billed to whoever
	// got there first. The closure runs on a detached context so the
	// first caller hanging up does not fail the others.
	key := fmt.Sprintf("%s|%s|%s", fp.Hash, p.Kind, p.Params)
	v, err, _ := s.submitGroup.Do(key, func() (any, error) {
		return s.submitMiss(context.WithoutCancel(ctx), p, fp)
	})
	if err != nil {
		return nil, err
	}

	res := v.(*SubmitResult)
	if res.Job != nil && res.Job.UserID != p.UserID {
		if err := s.attachWatcher(ctx, res.Job.ID, p.UserID); err != nil {
			return nil, err
		}
		shared := *res
		shared.Attached = true
		return &shared, nil
	}
	return res, nil
}

func (s *Service) submitMiss(ctx context.Context, p SubmitParams, fp fingerprint.Fingerprint) (*SubmitResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("user_id", p.UserID),
		zap.String("kind", string(p.Kind)),
		zap.String("hash", fp.Hash),
	)

	// A resubmission while the original is in flight attaches as an
	// observer rather than paying for a second run, whoever submitted
	// the original.
	existing, err := s.activeJob(ctx, p.Kind, p.Params, fp.Hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.attachWatcher(ctx, existing.ID, p.UserID); err != nil {
			return nil, err
		}
		zapLog.Info("attached to in-flight job", zap.String("job_id", existing.ID))
		return &SubmitResult{Attached: true, Job: existing}, nil
	}

	now := time.Now()
	job := &ProcessingJob{
		ID:            s.node.Generate().String(),
		UserID:        p.UserID,
		Kind:          string(p.Kind),
		Params:        p.Params,
		Hash:          fp.Hash,
		DurationMS:    fp.Duration.Milliseconds(),
		DurationKnown: fp.Known,
		State:         StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}

	tier, err := s.users.Tier(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	cost, err := s.pricing.Price(ctx, p.Kind, fp.Duration, fp.Known, tier)
	if err != nil {
		s.markFailed(ctx, job.ID, reasonFromError(err))
		return nil, err
	}

	reservation, err := s.ledger.Reserve(ctx, p.UserID, job.ID, cost)
	if err != nil {
		// Never dispatched, nothing held: the job settles as failed
		// right here.
		s.markFailed(ctx, job.ID, reasonFromError(err))
		s.markSettled(ctx, job.ID)
		zapLog.Warn("reservation refused", zap.String("job_id", job.ID), zap.Error(err))
		return nil, err
	}

	if err := s.update(ctx, job.ID, map[string]any{
		"state":          StateReserved,
		"cost":           cost,
		"reservation_id": reservation.ID,
	}); err != nil {
		return nil, err
	}
	job.State = StateReserved
	job.Cost = cost
	job.ReservationID = reservation.ID

	if err := s.dispatch(ctx, job, p.Data); err != nil {
		s.markFailed(ctx, job.ID, ReasonExternalBackend)
		s.settleFailure(ctx, job)
		zapLog.Error("dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		return nil, err
	}

	zapLog.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.Int64("cost", cost),
	)
	return &SubmitResult{Job: job}, nil
}

func (s *Service) dispatch(ctx context.Context, job *ProcessingJob, data []byte) error {
	backend, ok := s.backends[pricing.Kind(job.Kind)]
	if !ok {
		return errutil.ExternalBackend("no backend configured for kind")
	}

	inputRef, err := s.storage.Put(ctx, "inputs/"+job.ID, data, "application/octet-stream")
	if err != nil {
		return errutil.ExternalBackend("input staging failed", errutil.WithErr(err))
	}

	audioURL, err := s.storage.PresignedGet(ctx, inputRef, s.cfg.Orchestrator.JobDeadline+time.Hour)
	if err != nil {
		return errutil.ExternalBackend("input presign failed", errutil.WithErr(err))
	}

	externalRef, err := backend.Submit(ctx, SubmitInput{AudioURL: audioURL, Params: job.Params})
	if err != nil {
		return err
	}

	if err := s.update(ctx, job.ID, map[string]any{
		"state":        StateDispatched,
		"input_ref":    inputRef,
		"external_ref": externalRef,
	}); err != nil {
		return err
	}
	job.State = StateDispatched
	job.InputRef = inputRef
	job.ExternalRef = externalRef

	s.enqueuePoll(ctx, job.ID, s.cfg.Orchestrator.PollInterval)
	s.enqueueTimeout(ctx, job.ID, s.cfg.Orchestrator.JobDeadline)
	return nil
}

// HandleCompletion applies a terminal backend verdict. It is callable from
// the poll loop and from a push notification alike; the guarded state
// transition makes late or duplicate deliveries no-ops.
func (s *Service) HandleCompletion(ctx context.Context, jobID string, status BackendStatus) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		zap.L().With(traceFields(ctx)...).Info("ignoring completion for terminal job",
			zap.String("job_id", jobID),
			zap.String("state", job.State),
		)
		return nil
	}

	switch status.State {
	case BackendSucceeded:
		won, err := s.transition(ctx, jobID, StateDispatched, StateSucceeded, map[string]any{
			"outcome":    OutcomeSucceeded,
			"result_ref": status.ResultRef,
		})
		if err != nil || !won {
			return err
		}
		job.ResultRef = status.ResultRef
		return s.settleSuccess(ctx, job)
	case BackendFailed:
		won, err := s.transition(ctx, jobID, StateDispatched, StateFailed, map[string]any{
			"outcome":        OutcomeFailed,
			"failure_reason": ReasonExternalBackend,
		})
		if err != nil || !won {
			return err
		}
		return s.settleFailure(ctx, job)
	default:
		return errutil.InvalidState("completion requires a terminal backend status")
	}
}

// ForceTimeout fails a job that missed its completion deadline. A backend
// verdict landing afterwards loses the transition race and is dropped.
func (s *Service) ForceTimeout(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	won, err := s.transition(ctx, jobID, job.State, StateFailed, map[string]any{
		"outcome":        OutcomeFailed,
		"failure_reason": ReasonTimeout,
	})
	if err != nil || !won {
		return err
	}

	zap.L().With(traceFields(ctx)...).Warn("job timed out",
		zap.String("job_id", jobID),
		zap.String("user_id", job.UserID),
	)
	return s.settleFailure(ctx, job)
}

// settleSuccess charges the reservation, then caches the result. The charge
// stands even when the cache write fails: the work was done and paid for,
// caching is only an optimization.
func (s *Service) settleSuccess(ctx context.Context, job *ProcessingJob) error {
	if _, err := s.ledger.Confirm(ctx, job.ReservationID); err != nil {
		return err
	}

	if err := s.cache.Store(ctx, job.Hash, job.Kind, job.Params, job.ResultRef); err != nil {
		zap.L().With(traceFields(ctx)...).Error("result cache store failed, charge stands",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	return s.markSettled(ctx, job.ID)
}

// settleFailure releases the hold. On release failure the release task keeps
// retrying: a held-but-never-released reservation must not survive.
func (s *Service) settleFailure(ctx context.Context, job *ProcessingJob) error {
	if job.ReservationID == "" {
		return s.markSettled(ctx, job.ID)
	}

	if err := s.ledger.Release(ctx, job.ReservationID); err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) && base.Code == errutil.StatusInvalidState {
			// Confirmed reservation behind a failed job is a bug, not
			// something a retry can fix.
			zap.L().With(traceFields(ctx)...).Error("release refused for failed job",
				zap.String("job_id", job.ID),
				zap.String("reservation_id", job.ReservationID),
				zap.Error(err),
			)
			return s.markSettled(ctx, job.ID)
		}

		zap.L().With(traceFields(ctx)...).Warn("release failed, scheduling retry",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		s.enqueueRelease(ctx, job.ID)
		return err
	}

	return s.markSettled(ctx, job.ID)
}

func (s *Service) activeJob(ctx context.Context, kind pricing.Kind, params, hash string) (*ProcessingJob, error) {
	var job ProcessingJob
	err := s.db.WithContext(ctx).
		Where("kind = ? AND params = ? AND hash = ? AND state IN ?",
			string(kind), params, hash,
			[]string{StateCreated, StateReserved, StateDispatched}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Service) attachWatcher(ctx context.Context, jobID, userID string) error {
	watcher := &Watcher{
		ID:        s.node.Generate().String(),
		JobID:     jobID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(watcher).Error; err != nil {
		// Already watching.
		var count int64
		if countErr := s.db.WithContext(ctx).Model(&Watcher{}).
			Where(&Watcher{JobID: jobID, UserID: userID}).
			Count(&count).Error; countErr == nil && count > 0 {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) update(ctx context.Context, jobID string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	return s.db.WithContext(ctx).Model(&ProcessingJob{}).Where("id = ?", jobID).Updates(updates).Error
}

// transition moves the job from one state to another only if it is still in
// the expected state, returning whether this caller won the transition.
func (s *Service) transition(ctx context.Context, jobID, from, to string, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"state":      to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := s.db.WithContext(ctx).Model(&ProcessingJob{}).
		Where("id = ? AND state = ?", jobID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) markFailed(ctx context.Context, jobID, reason string) {
	if err := s.update(ctx, jobID, map[string]any{
		"state":          StateFailed,
		"outcome":        OutcomeFailed,
		"failure_reason": reason,
	}); err != nil {
		zap.L().Error("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Service) markSettled(ctx context.Context, jobID string) error {
	return s.update(ctx, jobID, map[string]any{"state": StateSettled})
}

func reasonFromError(err error) string {
	var base errutil.BaseError
	if errors.As(err, &base) {
		switch base.Code {
		case errutil.StatusInsufficientCredits:
			return ReasonInsufficientCredits
		case errutil.StatusTimeout:
			return ReasonTimeout
		}
	}
	return ReasonExternalBackend
}

func (s *Service) enqueuePoll(ctx context.Context, jobID string, in time.Duration) {
	s.enqueueTask(ctx, taskname.JobPoll, jobID, in, "default")
}

func (s *Service) enqueueTimeout(ctx context.Context, jobID string, in time.Duration) {
	s.enqueueTask(ctx, taskname.JobTimeout, jobID, in, "critical")
}

func (s *Service) enqueueRelease(ctx context.Context, jobID string) {
	s.enqueueTask(ctx, taskname.JobRelease, jobID, 0, "critical")
}

func (s *Service) enqueueTask(ctx context.Context, name, jobID string, in time.Duration, queue string) {
	payload, _ := NewJobPayload(jobID)
	opts := []asynq.Option{asynq.Queue(queue)}
	if in > 0 {
		opts = append(opts, asynq.ProcessIn(in))
	}
	if _, err := s.enqueue.Enqueue(ctx, asynq.NewTask(name, payload), opts...); err != nil {
		zap.L().Error("failed to enqueue task",
			zap.String("task_type", name),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// Get fetches a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*ProcessingJob, error) {
	var job ProcessingJob
	if err := s.db.WithContext(ctx).Where(&ProcessingJob{ID: jobID}).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("job not found")
		}
		return nil, err
	}
	return &job, nil
}

// GetForUser fetches a job visible to the user: their own or one they watch.
func (s *Service) GetForUser(ctx context.Context, jobID, userID string) (*ProcessingJob, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID == userID {
		return job, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Watcher{}).
		Where(&Watcher{JobID: jobID, UserID: userID}).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, errutil.NotFound("job not found")
	}
	return job, nil
}

// List returns the user's jobs newest first with cursor pagination.
func (s *Service) List(ctx context.Context, userID string, page pagination.Pagination) ([]*ProcessingJob, *pagination.PageInfo, error) {
	page = page.Normalize()
	limit := page.Limit

	query := s.db.WithContext(ctx).
		Where(&ProcessingJob{UserID: userID}).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.InvalidInput("invalid cursor")
		}
		query = query.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	var jobs []*ProcessingJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(jobs, int32(limit), func(j *ProcessingJob) string {
		c, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        j.ID,
		})
		return c
	})

	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, info, nil
}

// KindStat aggregates a user's settled consumption per job kind.
type KindStat struct {
	Kind         string `json:"kind"`
	Jobs         int64  `json:"jobs"`
	CreditsSpent int64  `json:"credits_spent"`
}

// Stats sums the user's successfully settled jobs by kind.
func (s *Service) Stats(ctx context.Context, userID string) ([]KindStat, error) {
	var stats []KindStat
	if err := s.db.WithContext(ctx).Model(&ProcessingJob{}).
		Select("kind, COUNT(*) AS jobs, COALESCE(SUM(cost), 0) AS credits_spent").
		Where("user_id = ? AND state = ? AND outcome = ?", userID, StateSettled, OutcomeSucceeded).
		Group("kind").
		Scan(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
