package database

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestGormLoggerIgnoresRecordNotFound(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "quiet.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	var record migrationRecord
	err = database.Where("name = ?", "never-applied").Take(&record).Error
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		testContext.Fatalf("expected record not found, got %v", err)
	}

	if failed := logs.FilterMessage("database statement failed").Len(); failed != 0 {
		testContext.Fatalf("expected missing rows to stay out of the log, got %d entries", failed)
	}
}

func TestGormLoggerReportsFailuresWithoutStatementText(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "failing.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	if err := database.Exec("SELECT recipient_id FROM missing_table WHERE recipient_id = ?", "secret-recipient").Error; err == nil {
		testContext.Fatalf("expected query against missing table to fail")
	}

	failures := logs.FilterMessage("database statement failed").All()
	if len(failures) != 1 {
		testContext.Fatalf("expected one failure entry, got %d", len(failures))
	}
	entry := failures[0]
	if entry.Level != zapcore.WarnLevel || entry.LoggerName != "gorm" {
		testContext.Fatalf("unexpected entry %#v", entry.Entry)
	}
	if _, ok := entry.ContextMap()["sql"]; ok {
		testContext.Fatalf("expected statement text to be omitted outside debug")
	}
}
