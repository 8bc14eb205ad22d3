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

// ZapGormLogger adapts the zap logger to gorm.io/gorm/logger.Interface.
type ZapGormLogger struct {
	Zap           *zap.Logger
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
}

func NewZapGormLogger(z *zap.Logger, logLevel logger.LogLevel) *ZapGormLogger {
	return &ZapGormLogger{
		Zap:           z,
		LogLevel:      logLevel,
		SlowThreshold: 200 * time.Millisecond,
	}
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.LogLevel = level
	return &clone
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		l.Zap.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		l.Zap.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		l.Zap.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		sql, rows := fc()
		l.Zap.Error("gorm.query",
			zap.String("file", utils.FileWithLineNum()),
			zap.Error(err),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold:
		sql, rows := fc()
		l.Zap.Warn("gorm.slow_query",
			zap.String("file", utils.FileWithLineNum()),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", l.SlowThreshold),
		)
	case l.LogLevel >= logger.Info:
		sql, rows := fc()
		l.Zap.Debug("gorm.query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		)
	}
}
