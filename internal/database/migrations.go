package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeParticipantEmails = "2024-05-20_normalize_participant_emails"
	migrationBackfillScoredFields       = "2024-06-03_backfill_scored_fields"
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
		{name: migrationNormalizeParticipantEmails, apply: normalizeParticipantEmails},
		{name: migrationBackfillScoredFields, apply: backfillScoredFields},
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

// Rows whose lower-cased email already exists are left for manual merge.
func normalizeParticipantEmails(db *gorm.DB) error {
	existing := db.Model(&applications.Participant{}).Select("email")
	return db.Model(&applications.Participant{}).
		Where("email <> LOWER(email) AND LOWER(email) NOT IN (?)", existing).
		Update("email", gorm.Expr("LOWER(email)")).Error
}

func backfillScoredFields(db *gorm.DB) error {
	fieldTargets := db.Model(&scoring.Rule{}).
		Select("target_id").
		Where("target_type = ? AND is_active = ?", scoring.TargetField, true)
	choiceTargets := db.Model(&forms.ChoiceVersion{}).
		Select("field_version_id").
		Where("id IN (?)", db.Model(&scoring.Rule{}).
			Select("target_id").
			Where("target_type = ? AND is_active = ?", scoring.TargetChoice, true))
	return db.Model(&forms.FieldVersion{}).
		Where("is_scored = ? AND (id IN (?) OR id IN (?))", false, fieldTargets, choiceTargets).
		Update("is_scored", true).Error
}
