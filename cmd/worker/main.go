package main

import (
	"context"
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tunegate/internal/schema"
	"tunegate/pkg/config"
	"tunegate/pkg/db"
	"tunegate/pkg/ffmpeg"
	"tunegate/pkg/fingerprint"
	"tunegate/pkg/logger"
	"tunegate/pkg/minio"
	"tunegate/pkg/redis"
	"tunegate/pkg/sequence"
	"tunegate/pkg/task"
	"tunegate/pkg/taskname"
	"tunegate/services/cache"
	"tunegate/services/invite"
	"tunegate/services/job"
	"tunegate/services/ledger"
	"tunegate/services/pricing"
	"tunegate/services/recharge"
	"tunegate/services/user"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		minio.Client,
		task.Client,
		task.Server,
		sequence.Module,
		ffmpeg.Module,
		fingerprint.Module,
		fx.Provide(provideSnowflakeNode),
		schema.Module,

		ledger.Module,
		pricing.Module,
		cache.Module,
		user.Module,
		invite.Module,
		recharge.Module,
		job.BackendModule,
		job.Module,

		fx.Invoke(
			registerHandlers,
			runScheduler,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func registerHandlers(mux *asynq.ServeMux, jobs *job.Service, invites *invite.Service, orders *recharge.Service) {
	mux.HandleFunc(taskname.JobPoll, jobs.HandlePollTask)
	mux.HandleFunc(taskname.JobTimeout, jobs.HandleTimeoutTask)
	mux.HandleFunc(taskname.JobRelease, jobs.HandleReleaseTask)
	mux.HandleFunc(taskname.LedgerSweepHolds, jobs.HandleSweepHoldsTask)
	mux.HandleFunc(taskname.InviteRevalidate, invites.HandleRevalidateTask)
	mux.HandleFunc(taskname.RechargeExpireOrders, orders.HandleExpireOrdersTask)
}

// runScheduler enqueues the periodic maintenance tasks. The handlers above
// pick them up like any other task.
func runScheduler(lc fx.Lifecycle, cfg *config.Config) {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		&asynq.SchedulerOpts{},
	)

	entries := map[string]*asynq.Task{
		"@every 5m":  asynq.NewTask(taskname.LedgerSweepHolds, nil),
		"@every 10m": asynq.NewTask(taskname.RechargeExpireOrders, nil),
		"@every 1h":  asynq.NewTask(taskname.InviteRevalidate, nil),
	}
	for spec, t := range entries {
		if _, err := scheduler.Register(spec, t, asynq.Queue("low")); err != nil {
			zap.L().Error("[Asynq] Failed to register periodic task",
				zap.String("task_type", t.Type()),
				zap.Error(err),
			)
			os.Exit(1)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := scheduler.Run(); err != nil {
					zap.L().Error("[Asynq] Scheduler stopped", zap.Error(err))
					os.Exit(1)
				}
			}()
			zap.L().Info("[Asynq] Scheduler started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})
}
