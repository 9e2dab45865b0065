package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// zapGormLogger sends gorm diagnostics to zap. Statement text carries bound
// values, so it is only emitted at debug level.
type zapGormLogger struct {
	logger *zap.Logger
	level  gormlogger.LogLevel
	slow   time.Duration
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapGormLogger{
		logger: logger.Named("gorm"),
		level:  gormlogger.Warn,
		slow:   slowQueryThreshold,
	}
}

func (l *zapGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *zapGormLogger) Info(_ context.Context, message string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.Info(fmt.Sprintf(message, data...))
	}
}

func (l *zapGormLogger) Warn(_ context.Context, message string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(fmt.Sprintf(message, data...))
	}
}

func (l *zapGormLogger) Error(_ context.Context, message string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.Error(fmt.Sprintf(message, data...))
	}
}

func (l *zapGormLogger) Trace(_ context.Context, begin time.Time, statement func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		_, rows := statement()
		l.logger.Warn("database statement failed", zap.Error(err), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows))
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		_, rows := statement()
		l.logger.Warn("slow database statement", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows))
	case l.level >= gormlogger.Info && l.logger.Core().Enabled(zap.DebugLevel):
		sql, rows := statement()
		l.logger.Debug("database statement", zap.String("sql", sql), zap.Duration("elapsed", elapsed), zap.Int64("rows", rows))
	}
}
