package database

import (
	"errors"
	"time"

	"github.com/adseeker/tinyengage/internal/responses"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupeResponses = "2026-10-01_dedupe_responses_per_recipient"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDedupeResponses, apply: dedupeResponses},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dedupeResponses keeps the earliest response per (survey_id, recipient_id) and drops
// the audit rows and bot scores left without a response.
func dedupeResponses(db *gorm.DB) error {
	if !db.Migrator().HasTable(&responses.Response{}) {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM responses WHERE id IN (
			SELECT later.id FROM responses later
			WHERE EXISTS (
				SELECT 1 FROM responses earlier
				WHERE earlier.survey_id = later.survey_id
				AND earlier.recipient_id = later.recipient_id
				AND (earlier.created_at_s < later.created_at_s
					OR (earlier.created_at_s = later.created_at_s AND earlier.id < later.id))
			)
		)`).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM response_events WHERE response_id NOT IN (SELECT id FROM responses)`).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM bot_scores WHERE response_id NOT IN (SELECT id FROM responses)`).Error
	})
}
