package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/locking"
	"github.com/MarcoPoloResearchLab/intake/internal/retry"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const samplePayload = `{
  "event_id": "evt-1",
  "event_type": "form_response",
  "form_response": {
    "form_id": "form-ext",
    "token": "abc123",
    "submitted_at": "2024-05-01T10:00:00Z",
    "hidden": {"first_name": "Ada", "last_name": "Lovelace"},
    "definition": {
      "id": "form-ext",
      "fields": [
        {"id": "topics", "type": "multiple_choice", "allow_multiple_selections": true},
        {"id": "consent", "type": "yes_no"}
      ]
    },
    "answers": [
      {"type": "email", "field": {"id": "email", "type": "email"}, "email": "Ada@Example.com"},
      {"type": "choices", "field": {"id": "topics", "type": "multiple_choice"}, "choices": {"ids": ["c1", "c2"], "labels": ["Housing", "Food"]}},
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

type countingProvider struct {
	mu         sync.Mutex
	definition typeform.FormDefinition
	calls      int
	err        error
}

func (p *countingProvider) GetFormDetails(ctx context.Context, formID string) (typeform.FormDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return typeform.FormDefinition{}, p.err
	}
	return p.definition, nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingArchiver struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (a *recordingArchiver) ArchivePayload(ctx context.Context, token string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	return a.err
}

// gatedScorer blocks the first CalculateScore call until released.
type gatedScorer struct {
	inner    ScoreCalculator
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
	mu       sync.Mutex
	calls    int
	failures int
}

func (s *gatedScorer) CalculateScore(ctx context.Context, applicationID string) (scoring.Summary, error) {
	s.mu.Lock()
	s.calls++
	failing := s.failures > 0
	if failing {
		s.failures--
	}
	s.mu.Unlock()
	if s.entered != nil {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	if failing {
		return scoring.Summary{}, errors.New("transient scoring failure")
	}
	return s.inner.CalculateScore(ctx, applicationID)
}

func (s *gatedScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type flakyIngestor struct {
	inner    AnswerIngestor
	mu       sync.Mutex
	calls    int
	failures int
}

func (i *flakyIngestor) ProcessAnswers(ctx context.Context, applicationID, formID string, answers []typeform.Answer, definitions map[string]typeform.FieldDefinition) (applications.IngestResult, error) {
	i.mu.Lock()
	i.calls++
	failing := i.failures > 0
	if failing {
		i.failures--
	}
	i.mu.Unlock()
	if failing {
		return applications.IngestResult{}, errors.New("transient ingest failure")
	}
	return i.inner.ProcessAnswers(ctx, applicationID, formID, answers, definitions)
}

type failingLocks struct{}

func (failingLocks) Acquire(ctx context.Context, lockID string) (locking.Lease, bool, error) {
	return locking.Lease{}, false, errors.New("lock backend unavailable")
}

func (failingLocks) Release(ctx context.Context, lease locking.Lease) error {
	return errors.New("release must not be called without a lease")
}

func intakeDefinition() typeform.FormDefinition {
	return typeform.FormDefinition{
		ID:    "form-ext",
		Title: "Intake",
		Fields: []typeform.Field{
			{ID: "email", Title: "Email", Type: "email"},
			{
				ID:    "topics",
				Title: "Topics",
				Type:  "multiple_choice",
				Properties: typeform.FieldProperties{
					AllowMultipleSelection: true,
					Choices: []typeform.Choice{
						{ID: "c1", Label: "Housing"},
						{ID: "c2", Label: "Food"},
					},
				},
			},
			{ID: "consent", Title: "Consent", Type: "yes_no"},
		},
	}
}

type harness struct {
	db         *gorm.DB
	provider   *countingProvider
	archiver   *recordingArchiver
	scorer     *gatedScorer
	ingestor   *flakyIngestor
	locks      locking.Store
	controller *Controller
}

type harnessOption func(*harness)

func withLocks(store locking.Store) harnessOption {
	return func(h *harness) { h.locks = store }
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:intake_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	provider := &countingProvider{definition: intakeDefinition()}
	versions, err := forms.NewVersionStore(forms.VersionStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct version store: %v", err)
	}
	syncer, err := forms.NewSyncer(forms.SyncerConfig{Database: db, Provider: provider, Versions: versions, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}
	store, err := applications.NewStore(applications.StoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	ingestor, err := applications.NewIngestor(applications.IngestorConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct ingestor: %v", err)
	}
	engine, err := scoring.NewEngine(scoring.EngineConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	gormLocks, err := locking.NewGormStore(locking.GormStoreConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to construct lock store: %v", err)
	}

	h := &harness{
		db:       db,
		provider: provider,
		archiver: &recordingArchiver{},
		scorer:   &gatedScorer{inner: engine},
		ingestor: &flakyIngestor{inner: ingestor},
		locks:    gormLocks,
	}
	for _, option := range options {
		option(h)
	}

	controller, err := NewController(ControllerConfig{
		Forms:        syncer,
		Applications: store,
		Ingestor:     h.ingestor,
		Scorer:       h.scorer,
		Locks:        h.locks,
		Archiver:     h.archiver,
		RetryPolicy: retry.Policy{
			MaxAttempts: 2,
			Delay:       time.Millisecond,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	h.controller = controller
	return h
}

func decodePayload(t *testing.T, raw string) typeform.WebhookPayload {
	t.Helper()
	var payload typeform.WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	return payload
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}
