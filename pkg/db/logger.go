package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger routes gorm's query log through zap. Statements slower than
// slowQueryThreshold are promoted to warnings regardless of level.
type gormLogger struct {
	zap     *zap.Logger
	level   logger.LogLevel
	showSQL bool
}

func NewZapGormLogger(z *zap.Logger, level logger.LogLevel, showSQL bool) logger.Interface {
	return &gormLogger{zap: z, level: level, showSQL: showSQL}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.zap.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.zap.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.zap.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		l.zap.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.zap.Warn("slow query", append(fields, zap.Duration("threshold", slowQueryThreshold))...)
	case l.level >= logger.Info && l.showSQL:
		l.zap.Info("query", fields...)
	}
}
