package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/auth"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/MarcoPoloResearchLab/intake/internal/locking"
	"github.com/MarcoPoloResearchLab/intake/internal/retry"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testWebhookSecret = "whsec"
	testSigningSecret = "session-secret"
)

const testWebhookBody = `{
  "event_id": "evt-1",
  "event_type": "form_response",
  "form_response": {
    "form_id": "form-ext",
    "token": "abc123",
    "definition": {"id": "form-ext", "fields": [{"id": "consent", "type": "yes_no"}]},
    "answers": [
      {"type": "email", "field": {"id": "email", "type": "email"}, "email": "ada@example.com"},
      {"type": "boolean", "field": {"id": "consent", "type": "yes_no"}, "boolean": true}
    ]
  }
}`

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

type stubProvider struct {
	definition typeform.FormDefinition
}

func (p stubProvider) GetFormDetails(ctx context.Context, formID string) (typeform.FormDefinition, error) {
	if formID != p.definition.ID {
		return typeform.FormDefinition{}, typeform.ErrFormNotFound
	}
	return p.definition, nil
}

type testServer struct {
	handler    http.Handler
	db         *gorm.DB
	dispatcher *ScoreDispatcher
	issuer     *auth.TokenIssuer
}

func testDefinition() typeform.FormDefinition {
	return typeform.FormDefinition{
		ID:    "form-ext",
		Title: "Intake",
		Fields: []typeform.Field{
			{ID: "email", Title: "Email", Type: "email"},
			{ID: "consent", Title: "Consent", Type: "yes_no"},
		},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		&scoring.Rule{}, &locking.ProcessingLock{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idProvider := &sequentialIDs{}
	dispatcher := NewScoreDispatcher()

	versions, err := forms.NewVersionStore(forms.VersionStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("version store: %v", err)
	}
	syncer, err := forms.NewSyncer(forms.SyncerConfig{
		Database:   db,
		Provider:   stubProvider{definition: testDefinition()},
		Versions:   versions,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	store, err := applications.NewStore(applications.StoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ingestor, err := applications.NewIngestor(applications.IngestorConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}
	engine, err := scoring.NewEngine(scoring.EngineConfig{Database: db, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	rules, err := scoring.NewRuleService(scoring.RuleServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("rule service: %v", err)
	}
	locks, err := locking.NewGormStore(locking.GormStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	controller, err := intake.NewController(intake.ControllerConfig{
		Forms:        syncer,
		Applications: store,
		Ingestor:     ingestor,
		Scorer:       engine,
		Locks:        locks,
		RetryPolicy:  retry.Policy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Database:      db,
		Intake:        controller,
		Forms:         syncer,
		Scorer:        engine,
		Rules:         rules,
		Sessions:      sessions,
		Realtime:      dispatcher,
		WebhookSecret: testWebhookSecret,
		TrackingIDs:   &sequentialIDs{next: 90000},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testServer{handler: handler, db: db, dispatcher: dispatcher, issuer: issuer}
}

func (s *testServer) bearer(t *testing.T) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken("reviewer@example.com")
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return "Bearer " + token
}

type stubFormSyncer struct{}

func (stubFormSyncer) SyncForm(ctx context.Context, externalFormID string) (forms.SyncResult, error) {
	return forms.SyncResult{}, nil
}

func (stubFormSyncer) FindActiveForm(ctx context.Context, externalFormID string) (forms.Form, error) {
	return forms.Form{}, forms.ErrFormNotFound
}

type stubScorer struct{}

func (stubScorer) CalculateScore(ctx context.Context, applicationID string) (scoring.Summary, error) {
	return scoring.Summary{}, nil
}

type stubRules struct{}

func (stubRules) CreateRule(ctx context.Context, input scoring.RuleInput) (scoring.Rule, error) {
	return scoring.Rule{}, nil
}

func (stubRules) DeleteRule(ctx context.Context, ruleID string) error {
	return nil
}

func (stubRules) ListActiveRules(ctx context.Context, formID string) ([]scoring.Rule, error) {
	return nil, nil
}

type stubSessions struct{}

func (stubSessions) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, auth.ErrMissingSessionToken
}
