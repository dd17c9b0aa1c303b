// Package storetest opens throwaway databases for tests.
package storetest

import (
	"testing"

	"github.com/lfelipediniz/B3Notifier/logging"
	"github.com/lfelipediniz/B3Notifier/models"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated in-memory SQLite database closed at test end.
// A single connection keeps the in-memory database alive and serialises
// writers the way a row lock would.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logging.NewGormLogger(zaptest.NewLogger(t), logger.Error),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateInstrumentModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
