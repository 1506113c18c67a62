package forms

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%04d", s.next), nil
}

type stubProvider struct {
	definition typeform.FormDefinition
	err        error
	calls      int
}

func (p *stubProvider) GetFormDetails(ctx context.Context, formID string) (typeform.FormDefinition, error) {
	p.calls++
	if p.err != nil {
		return typeform.FormDefinition{}, p.err
	}
	return p.definition, nil
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Minute)
	return c.current
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:forms_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Form{}, &FieldVersion{}, &ChoiceVersion{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestSyncer(t *testing.T, provider FormProvider) (*Syncer, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	idProvider := &sequentialIDs{}
	versions, err := NewVersionStore(VersionStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct version store: %v", err)
	}
	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}
	syncer, err := NewSyncer(SyncerConfig{
		Database:   db,
		Provider:   provider,
		Versions:   versions,
		IDProvider: idProvider,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}
	return syncer, db
}

func intPointer(value int) *int {
	return &value
}

func sampleDefinition() typeform.FormDefinition {
	return typeform.FormDefinition{
		ID:    "form-ext",
		Title: "Cohort intake",
		Fields: []typeform.Field{
			{
				ID:    "grp",
				Title: "About you",
				Type:  "group",
				Properties: typeform.FieldProperties{
					Fields: []typeform.Field{
						{ID: "name", Title: "Your name", Type: "short_text"},
						{ID: "consent", Title: "Do you consent?", Type: "yes_no"},
					},
				},
			},
			{
				ID:    "topics",
				Title: "Pick topics",
				Type:  "multiple_choice",
				Properties: typeform.FieldProperties{
					AllowMultipleSelection: true,
					Choices: []typeform.Choice{
						{ID: "c1", Label: "Housing"},
						{ID: "c2", Label: "Food"},
						{ID: "c3", Label: "Transport"},
					},
				},
			},
			{
				ID:    "scale",
				Title: "How urgent?",
				Type:  "opinion_scale",
				Properties: typeform.FieldProperties{
					Steps:      intPointer(5),
					StartAtOne: true,
				},
			},
		},
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func activeFieldByExternalID(t *testing.T, db *gorm.DB, externalID string) FieldVersion {
	t.Helper()
	var field FieldVersion
	if err := db.Where("external_field_id = ? AND is_active = ?", externalID, true).Take(&field).Error; err != nil {
		t.Fatalf("failed to load active field %s: %v", externalID, err)
	}
	return field
}

func activeChoices(t *testing.T, db *gorm.DB, externalFieldID string) []ChoiceVersion {
	t.Helper()
	var choices []ChoiceVersion
	if err := db.Where("external_field_id = ? AND is_active = ?", externalFieldID, true).
		Order("display_order ASC").Find(&choices).Error; err != nil {
		t.Fatalf("failed to load choices: %v", err)
	}
	return choices
}
