package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
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
	return fmt.Sprintf("id-%05d", s.next), nil
}

type mutableProvider struct {
	definition typeform.FormDefinition
}

func (p *mutableProvider) GetFormDetails(ctx context.Context, formID string) (typeform.FormDefinition, error) {
	return p.definition, nil
}

type recordingCRM struct {
	mu      sync.Mutex
	updates []ScoreUpdate
	err     error
}

func (c *recordingCRM) SyncApplicationScore(ctx context.Context, update ScoreUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, update)
	return c.err
}

type recordingNotifier struct {
	events []ScoreEvent
}

func (n *recordingNotifier) Publish(event ScoreEvent) {
	n.events = append(n.events, event)
}

func scoringDefinition() typeform.FormDefinition {
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

const scoringAnswers = `[
	{"type":"text","field":{"id":"name","type":"short_text"},"text":"Ada"},
	{"type":"choices","field":{"id":"topics","type":"multiple_choice"},"choices":[{"id":"c1","label":"Housing"},{"id":"c2","label":"Food"},{"id":"c3","label":"Transport"}]},
	{"type":"boolean","field":{"id":"consent","type":"yes_no"},"boolean":false},
	{"type":"number","field":{"id":"urgency","type":"opinion_scale"},"number":4}
]`

type fixture struct {
	db          *gorm.DB
	ids         *sequentialIDs
	provider    *mutableProvider
	syncer      *forms.Syncer
	rules       *RuleService
	ingestor    *applications.Ingestor
	formID      string
	application applications.Application
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:scoring_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&forms.Form{}, &forms.FieldVersion{}, &forms.ChoiceVersion{},
		&applications.Participant{}, &applications.Application{}, &applications.FieldResponse{},
		&Rule{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := newTestDatabase(t)
	idProvider := &sequentialIDs{}
	provider := &mutableProvider{definition: scoringDefinition()}

	versions, err := forms.NewVersionStore(forms.VersionStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct version store: %v", err)
	}
	syncer, err := forms.NewSyncer(forms.SyncerConfig{
		Database:   db,
		Provider:   provider,
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

	store, err := applications.NewStore(applications.StoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	participant, err := store.FindOrCreateParticipant(context.Background(), applications.ParticipantInput{Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("participant upsert failed: %v", err)
	}
	application, _, err := store.CreateIfAbsent(context.Background(), applications.ApplicationInput{
		ParticipantID: participant.ID,
		FormID:        synced.FormID,
		Token:         "tok-1",
	})
	if err != nil {
		t.Fatalf("application create failed: %v", err)
	}

	ingestor, err := applications.NewIngestor(applications.IngestorConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct ingestor: %v", err)
	}
	rules, err := NewRuleService(RuleServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct rule service: %v", err)
	}

	return fixture{
		db:          db,
		ids:         idProvider,
		provider:    provider,
		syncer:      syncer,
		rules:       rules,
		ingestor:    ingestor,
		formID:      synced.FormID,
		application: application,
	}
}

func (fx fixture) ingest(t *testing.T, payload string) {
	t.Helper()
	var answers []typeform.Answer
	if err := json.Unmarshal([]byte(payload), &answers); err != nil {
		t.Fatalf("failed to decode answers: %v", err)
	}
	if _, err := fx.ingestor.ProcessAnswers(context.Background(), fx.application.ID, fx.formID, answers, nil); err != nil {
		t.Fatalf("ingestion failed: %v", err)
	}
}

func (fx fixture) fieldVersionID(t *testing.T, externalID string) string {
	t.Helper()
	var field forms.FieldVersion
	if err := fx.db.Where("external_field_id = ? AND is_active = ?", externalID, true).Take(&field).Error; err != nil {
		t.Fatalf("failed to load field %s: %v", externalID, err)
	}
	return field.ID
}

func (fx fixture) choiceVersionID(t *testing.T, externalChoiceID string) string {
	t.Helper()
	var choice forms.ChoiceVersion
	if err := fx.db.Where("external_choice_id = ? AND is_active = ?", externalChoiceID, true).Take(&choice).Error; err != nil {
		t.Fatalf("failed to load choice %s: %v", externalChoiceID, err)
	}
	return choice.ID
}

func (fx fixture) addRule(t *testing.T, input RuleInput) Rule {
	t.Helper()
	rule, err := fx.rules.CreateRule(context.Background(), input)
	if err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	return rule
}

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}
