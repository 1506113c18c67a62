package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "intake.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestApplyMigrationsNormalizesParticipantEmails(t *testing.T) {
	db := openTestDatabase(t)
	seed := []applications.Participant{
		{ID: "p1", Email: "Ada@Example.com"},
		{ID: "p2", Email: "Grace@Example.com"},
		{ID: "p3", Email: "grace@example.com"},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed participants: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	emails := map[string]string{}
	var stored []applications.Participant
	if err := db.Find(&stored).Error; err != nil {
		t.Fatalf("failed to reload participants: %v", err)
	}
	for _, participant := range stored {
		emails[participant.ID] = participant.Email
	}
	if emails["p1"] != "ada@example.com" {
		t.Fatalf("expected p1 to be lower-cased, got %q", emails["p1"])
	}
	if emails["p2"] != "Grace@Example.com" {
		t.Fatalf("expected colliding p2 to be left alone, got %q", emails["p2"])
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationNormalizeParticipantEmails).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsScoredFields(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fields := []forms.FieldVersion{
		{ID: "fv-rule", FormID: "f1", ExternalFieldID: "a", Type: "short_text", VersionDate: now, IsActive: true},
		{ID: "fv-choice", FormID: "f1", ExternalFieldID: "b", Type: "multiple_choice", VersionDate: now, IsActive: true},
		{ID: "fv-plain", FormID: "f1", ExternalFieldID: "c", Type: "short_text", VersionDate: now, IsActive: true},
	}
	if err := db.Create(&fields).Error; err != nil {
		t.Fatalf("failed to seed fields: %v", err)
	}
	choice := forms.ChoiceVersion{ID: "cv-1", FormID: "f1", FieldVersionID: "fv-choice", ExternalFieldID: "b", ExternalChoiceID: "x", VersionDate: now, IsActive: true}
	if err := db.Create(&choice).Error; err != nil {
		t.Fatalf("failed to seed choice: %v", err)
	}
	rules := []scoring.Rule{
		{ID: "r1", FormID: "f1", TargetType: scoring.TargetField, TargetID: "fv-rule", ScoreValue: scoring.ColorRed, IsActive: true},
		{ID: "r2", FormID: "f1", TargetType: scoring.TargetChoice, TargetID: "cv-1", ScoreValue: scoring.ColorGreen, IsActive: true},
	}
	if err := db.Create(&rules).Error; err != nil {
		t.Fatalf("failed to seed rules: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	scored := map[string]bool{}
	var stored []forms.FieldVersion
	if err := db.Find(&stored).Error; err != nil {
		t.Fatalf("failed to reload fields: %v", err)
	}
	for _, field := range stored {
		scored[field.ID] = field.IsScored
	}
	if !scored["fv-rule"] || !scored["fv-choice"] || scored["fv-plain"] {
		t.Fatalf("unexpected is_scored flags %v", scored)
	}
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	db := openTestDatabase(t)
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two migration records, got %d", count)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mysql"}, nil); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := Open(context.Background(), Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "open.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for _, model := range Models() {
		if !db.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
}
