package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"educoin-engine/pkg/config"
	"educoin-engine/pkg/db"
	"educoin-engine/pkg/gen"
	"educoin-engine/pkg/logger"
	"educoin-engine/pkg/redis"
	"educoin-engine/pkg/task"
	"educoin-engine/services/redemption"
	"educoin-engine/services/wallet"
)

// The worker runs the asynq handlers and their schedulers: the redemption
// expiry sweep and the nightly wallet chain audit.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,

		task.Client,
		task.Server,

		fx.Provide(
			wallet.NewService,
			redemption.NewService,
		),
		wallet.Worker,
		redemption.Worker,

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
