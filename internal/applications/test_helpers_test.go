package applications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%04d", s.prefix, s.next), nil
}

type formProviderStub struct {
	definition typeform.FormDefinition
}

func (p formProviderStub) GetFormDetails(ctx context.Context, formID string) (typeform.FormDefinition, error) {
	return p.definition, nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:applications_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&forms.Form{}, &forms.FieldVersion{}, &forms.ChoiceVersion{}, &Participant{}, &Application{}, &FieldResponse{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func intakeDefinition() typeform.FormDefinition {
	steps := 5
	return typeform.FormDefinition{
		ID:    "form-ext",
		Title: "Intake",
		Fields: []typeform.Field{
			{ID: "name", Title: "Name", Type: "short_text"},
			{
				ID:    "topics",
				Title: "Topics",
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
				ID:    "role",
				Title: "Role",
				Type:  "multiple_choice",
				Properties: typeform.FieldProperties{
					Choices: []typeform.Choice{
						{ID: "r1", Label: "Student"},
						{ID: "r2", Label: "Worker"},
					},
				},
			},
			{ID: "consent", Title: "Consent", Type: "yes_no"},
			{
				ID:    "urgency",
				Title: "Urgency",
				Type:  "opinion_scale",
				Properties: typeform.FieldProperties{
					Steps:      &steps,
					StartAtOne: true,
				},
			},
		},
	}
}

type fixture struct {
	db          *gorm.DB
	store       *Store
	ingestor    *Ingestor
	formID      string
	application Application
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := newTestDatabase(t)
	idProvider := &sequentialIDs{prefix: "id"}

	versions, err := forms.NewVersionStore(forms.VersionStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct version store: %v", err)
	}
	syncer, err := forms.NewSyncer(forms.SyncerConfig{
		Database:   db,
		Provider:   formProviderStub{definition: intakeDefinition()},
		Versions:   versions,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}
	synced, err := syncer.SyncForm(context.Background(), "form-ext")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	participant, err := store.FindOrCreateParticipant(context.Background(), ParticipantInput{Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("participant upsert failed: %v", err)
	}
	application, _, err := store.CreateIfAbsent(context.Background(), ApplicationInput{
		ParticipantID: participant.ID,
		FormID:        synced.FormID,
		Token:         "tok-1",
	})
	if err != nil {
		t.Fatalf("application create failed: %v", err)
	}

	ingestor, err := NewIngestor(IngestorConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct ingestor: %v", err)
	}

	return fixture{db: db, store: store, ingestor: ingestor, formID: synced.FormID, application: application}
}

func decodeAnswers(t *testing.T, payload string) []typeform.Answer {
	t.Helper()
	var answers []typeform.Answer
	if err := json.Unmarshal([]byte(payload), &answers); err != nil {
		t.Fatalf("failed to decode answers: %v", err)
	}
	return answers
}

func loadResponses(t *testing.T, db *gorm.DB, applicationID string) []FieldResponse {
	t.Helper()
	responses, err := ListResponses(context.Background(), db, applicationID)
	if err != nil {
		t.Fatalf("failed to list responses: %v", err)
	}
	return responses
}
