package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tunegate/internal/httpapi"
	"tunegate/internal/schema"
	"tunegate/pkg/config"
	"tunegate/pkg/db"
	"tunegate/pkg/ffmpeg"
	"tunegate/pkg/fingerprint"
	"tunegate/pkg/health"
	"tunegate/pkg/logger"
	"tunegate/pkg/minio"
	"tunegate/pkg/redis"
	"tunegate/pkg/sequence"
	"tunegate/pkg/server"
	"tunegate/pkg/task"
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
		sequence.Module,
		ffmpeg.Module,
		fingerprint.Module,
		health.Module,
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

		httpapi.Module,
		server.ProvideHTTPServer,
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
	return snowflake.NewNode(1)
}
