package main

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"educoin-engine/pkg/config"
	"educoin-engine/pkg/db"
	"educoin-engine/pkg/gen"
	"educoin-engine/pkg/health"
	"educoin-engine/pkg/logger"
	"educoin-engine/pkg/minio"
	"educoin-engine/pkg/redis"
	"educoin-engine/pkg/server"
	"educoin-engine/services/catalog"
	"educoin-engine/services/progress"
	"educoin-engine/services/redemption"
	"educoin-engine/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		minio.Client,
		gen.Module,
		fx.Provide(provideTracerProvider),

		server.ProvideHTTPServer,
		health.Module,

		catalog.Module,
		wallet.Module,
		progress.Module,
		redemption.Module,

		fx.Invoke(setupDatabase),
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

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func setupDatabase(gdb *gorm.DB, cfg *config.Config) error {
	if err := db.Otel(gdb); err != nil {
		return err
	}
	if err := db.Metric(gdb, cfg.Database.DBNAME); err != nil {
		return err
	}
	return gdb.AutoMigrate(
		&catalog.TaskDefinition{},
		&progress.UserTask{},
		&progress.Proof{},
		&wallet.Wallet{},
		&wallet.WalletTransaction{},
		&redemption.Redemption{},
	)
}
