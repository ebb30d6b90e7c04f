package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCoerceHelpRequestCategories = "2026-10-01_coerce_help_request_categories"
	migrationBackfillPolishedText        = "2026-10-01_backfill_polished_text"
)

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
		{name: migrationCoerceHelpRequestCategories, apply: coerceHelpRequestCategories},
		{name: migrationBackfillPolishedText, apply: backfillPolishedText},
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

// coerceHelpRequestCategories rewrites stored categories outside the enumeration to Other.
func coerceHelpRequestCategories(db *gorm.DB) error {
	allowed := make([]string, 0, len(community.Categories))
	for _, category := range community.Categories {
		allowed = append(allowed, string(category))
	}
	return db.Model(&store.HelpRequestRecord{}).
		Where("category IS NOT NULL AND category NOT IN ?", allowed).
		Update("category", string(community.CategoryOther)).Error
}

// backfillPolishedText copies the original text into rows that never received a polished version.
func backfillPolishedText(db *gorm.DB) error {
	return db.Model(&store.HelpRequestRecord{}).
		Where("original_text IS NOT NULL AND original_text <> '' AND (polished_text IS NULL OR polished_text = '')").
		Update("polished_text", gorm.Expr("original_text")).Error
}
