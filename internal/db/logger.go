package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runlog/internal/ctxlog"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const maxLoggedSQL = 512

// gormLogger 把 gorm 日志写到 context 里的 slog logger，带上请求的 request_id。
// SQL 截断到 maxLoggedSQL，批量插入不会把整条语句写进日志。
type gormLogger struct {
	level         logger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger() *gormLogger {
	return &gormLogger{level: logger.Warn, slowThreshold: 200 * time.Millisecond}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		ctxlog.FromContext(ctx).Info(fmt.Sprintf(msg, args...), "component", "gorm")
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		ctxlog.FromContext(ctx).Warn(fmt.Sprintf(msg, args...), "component", "gorm")
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		ctxlog.FromContext(ctx).Error(fmt.Sprintf(msg, args...), "component", "gorm")
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		ctxlog.FromContext(ctx).Error("sql failed",
			"component", "gorm", "err", err, "elapsed", elapsed, "rows", rows, "sql", truncateSQL(sql))
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		ctxlog.FromContext(ctx).Warn("slow sql",
			"component", "gorm", "elapsed", elapsed, "rows", rows, "sql", truncateSQL(sql))
	case l.level >= logger.Info:
		sql, rows := fc()
		ctxlog.FromContext(ctx).Debug("sql",
			"component", "gorm", "elapsed", elapsed, "rows", rows, "sql", truncateSQL(sql))
	}
}

func truncateSQL(sql string) string {
	if len(sql) <= maxLoggedSQL {
		return sql
	}
	return fmt.Sprintf("%s... (%d bytes)", sql[:maxLoggedSQL], len(sql))
}
