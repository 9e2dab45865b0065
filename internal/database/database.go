package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adseeker/tinyengage/internal/responses"
	"github.com/adseeker/tinyengage/internal/surveys"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath = errors.New("database path is required")
	errMissingDSN  = errors.New("database dsn is required")
)

// Options selects and locates the backing database.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured backend and migrates the schema.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(options.Path, logger)
	case DriverPostgres:
		return OpenPostgres(options.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// Writers are serialized through a single connection.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, errMissingPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverSQLite), zap.String("path", path))
	}

	return db, nil
}

// OpenPostgres establishes a Postgres connection and performs schema migrations.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errMissingDSN
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverPostgres))
	}

	return db, nil
}

// Migrate brings the schema up to date. Responses are migrated last so that the
// de-duplication migration runs before the unique (survey_id, recipient_id) index is built.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&migrationRecord{},
		&surveys.Survey{},
		&surveys.SurveyOption{},
		&responses.ResponseEvent{},
		&responses.BotScoreRecord{},
	); err != nil {
		return err
	}

	if err := applyMigrations(db, logger); err != nil {
		return err
	}

	return db.AutoMigrate(&responses.Response{})
}
