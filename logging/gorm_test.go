package logging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observed(level gormlogger.LogLevel) (*GormLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level), logs
}

func stmt() (string, int64) { return "SELECT * FROM instruments", 2 }

func TestGormLogger_Trace(t *testing.T) {
	ctx := context.Background()

	t.Run("failed statement", func(t *testing.T) {
		g, logs := observed(gormlogger.Error)
		g.Trace(ctx, time.Now(), stmt, errors.New("disk I/O error"))

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, zapcore.ErrorLevel, entry.Level)
		assert.Equal(t, "gorm", entry.LoggerName)
		assert.Equal(t, "SELECT * FROM instruments", entry.ContextMap()["sql"])
	})

	t.Run("missing row is not an error", func(t *testing.T) {
		g, logs := observed(gormlogger.Error)
		g.Trace(ctx, time.Now(), stmt, gormlogger.ErrRecordNotFound)
		assert.Zero(t, logs.Len())
	})

	t.Run("slow statement", func(t *testing.T) {
		g, logs := observed(gormlogger.Warn)
		g.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)

		require.Equal(t, 1, logs.Len())
		assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	})

	t.Run("info level logs every statement at debug", func(t *testing.T) {
		g, logs := observed(gormlogger.Info)
		g.Trace(ctx, time.Now(), stmt, nil)

		require.Equal(t, 1, logs.Len())
		assert.Equal(t, zapcore.DebugLevel, logs.All()[0].Level)
	})

	t.Run("silent", func(t *testing.T) {
		g, logs := observed(gormlogger.Silent)
		g.Trace(ctx, time.Now(), stmt, errors.New("boom"))
		g.Error(ctx, "boom %d", 1)
		assert.Zero(t, logs.Len())
	})
}

func TestGormLogger_LogModeCopies(t *testing.T) {
	g, logs := observed(gormlogger.Silent)
	loud := g.LogMode(gormlogger.Info)

	loud.Info(context.Background(), "migrated %s", "instruments")
	g.Info(context.Background(), "ignored")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "migrated instruments", logs.All()[0].Message)
}
