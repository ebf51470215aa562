package logger

import (
	"educoin-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(New),
)

// New builds the process-wide logger and installs it as the zap global so
// packages without an injected logger can still use zap.L(). Development
// gets the console encoder; everything else emits JSON to stdout.
func New(cfg *config.Config) *zap.Logger {
	var log *zap.Logger
	if cfg.AppEnv == "development" {
		log = zap.Must(zap.NewDevelopment())
	} else {
		zc := zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.LevelKey = "severity"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
		log = zap.Must(zc.Build())
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service", cfg.AppName),
	)

	zap.ReplaceGlobals(log)
	return log
}
