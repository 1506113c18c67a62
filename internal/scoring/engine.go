package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize     = 25
	defaultBudget        = 8 * time.Second
	defaultSafetyMargin  = 1500 * time.Millisecond
	defaultCRMTimeout    = 3 * time.Second
	scoreUpdateChunkSize = 100
	fieldApplicationID   = "application_id"
)

// ScoreUpdate is handed to the CRM collaborator after a score is persisted.
type ScoreUpdate struct {
	ApplicationID    string
	ParticipantEmail string
	Summary          Summary
}

// CRMSyncer pushes a persisted score to the external CRM.
type CRMSyncer interface {
	SyncApplicationScore(ctx context.Context, update ScoreUpdate) error
}

// Notifier is told about every persisted score. Implementations must not block.
type Notifier interface {
	Publish(event ScoreEvent)
}

// EngineConfig describes the dependencies and limits of an Engine.
type EngineConfig struct {
	Database     *gorm.DB
	Logger       *zap.Logger
	Clock        func() time.Time
	BatchSize    int
	Budget       time.Duration
	SafetyMargin time.Duration
	CRMTimeout   time.Duration
	CRM          CRMSyncer
	Notifier     Notifier
}

// Engine scores applications against the active rule set within a wall-clock budget.
type Engine struct {
	db           *gorm.DB
	logger       *zap.Logger
	clock        func() time.Time
	batchSize    int
	budget       time.Duration
	safetyMargin time.Duration
	crmTimeout   time.Duration
	crm          CRMSyncer
	notifier     Notifier
}

// NewEngine constructs an Engine with defaults applied.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewEngine, "missing_database", errMissingDatabase)
	}
	engine := &Engine{
		db:           cfg.Database,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		batchSize:    cfg.BatchSize,
		budget:       cfg.Budget,
		safetyMargin: cfg.SafetyMargin,
		crmTimeout:   cfg.CRMTimeout,
		crm:          cfg.CRM,
		notifier:     cfg.Notifier,
	}
	if engine.logger == nil {
		engine.logger = noOpLogger
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.batchSize <= 0 {
		engine.batchSize = defaultBatchSize
	}
	if engine.budget <= 0 {
		engine.budget = defaultBudget
	}
	if engine.safetyMargin <= 0 {
		engine.safetyMargin = defaultSafetyMargin
	}
	if engine.crmTimeout <= 0 {
		engine.crmTimeout = defaultCRMTimeout
	}
	return engine, nil
}

// CalculateScore evaluates every response row of the application, persists the
// aggregate and per-answer colors, and returns the summary. When the budget runs
// short the persisted result covers a prefix of the answers and Summary.Partial is set.
func (e *Engine) CalculateScore(ctx context.Context, applicationID string) (Summary, error) {
	deadline := e.clock().Add(e.budget)
	logFields := []zap.Field{zap.String(fieldApplicationID, applicationID)}

	application, err := applications.GetApplication(ctx, e.db, applicationID)
	if err != nil {
		if errors.Is(err, applications.ErrApplicationNotFound) {
			return Summary{}, newServiceError(opCalculateScore, "application_not_found", err)
		}
		logError(e.logger, opCalculateScore, "application_load_failed", err, logFields...)
		return Summary{}, newServiceError(opCalculateScore, "application_load_failed", err)
	}

	responses, err := applications.ListResponses(ctx, e.db, applicationID)
	if err != nil {
		logError(e.logger, opCalculateScore, "responses_load_failed", err, logFields...)
		return Summary{}, newServiceError(opCalculateScore, "responses_load_failed", err)
	}
	if len(responses) == 0 {
		return Summary{}, nil
	}

	snapshot, err := e.loadSnapshot(ctx, application.FormID)
	if err != nil {
		logError(e.logger, opCalculateScore, "rules_load_failed", err, logFields...)
		return Summary{}, newServiceError(opCalculateScore, "rules_load_failed", err)
	}

	summary := Summary{AnswersTotal: len(responses)}
	colors := make(map[string]Color, len(responses))
	totals := tally{}

	scoreBatch := func(batch []applications.FieldResponse) {
		for _, response := range batch {
			result, evalErr := snapshot.scoreResponse(response)
			if evalErr != nil {
				e.logger.Warn("answer scored na after evaluation error",
					zap.String(fieldApplicationID, applicationID),
					zap.String("response_id", response.ID),
					zap.Error(evalErr))
				result = tally{}
			}
			totals.red += result.red
			totals.yellow += result.yellow
			totals.green += result.green
			colors[response.ID] = result.color()
			summary.AnswersScored++
		}
	}

	if e.nearlyExhausted(deadline) {
		// Degraded path: one batch in arrival order, then persist and stop.
		limit := min(e.batchSize, len(responses))
		scoreBatch(responses[:limit])
		summary.Partial = limit < len(responses)
		e.logger.Warn("scoring budget exhausted before evaluation; scored a bounded prefix",
			zap.String(fieldApplicationID, applicationID),
			zap.Int("answers_scored", limit),
			zap.Int("answers_total", len(responses)))
		return e.finish(ctx, application, responses, summary, totals, colors, deadline, false)
	}

	for start := 0; start < len(responses); start += e.batchSize {
		if start > 0 && e.nearlyExhausted(deadline) {
			summary.Partial = true
			e.logger.Warn("scoring budget exhausted mid-run; keeping partial result",
				zap.String(fieldApplicationID, applicationID),
				zap.Int("answers_scored", summary.AnswersScored),
				zap.Int("answers_total", len(responses)))
			break
		}
		end := min(start+e.batchSize, len(responses))
		scoreBatch(responses[start:end])
	}

	return e.finish(ctx, application, responses, summary, totals, colors, deadline, true)
}

func (e *Engine) finish(ctx context.Context, application applications.Application, responses []applications.FieldResponse, summary Summary, totals tally, colors map[string]Color, deadline time.Time, allowCRM bool) (Summary, error) {
	summary.RedCount = totals.red
	summary.YellowCount = totals.yellow
	summary.GreenCount = totals.green
	summary.TotalScore = TotalScore(totals.red, totals.yellow, totals.green)

	scoredAt := e.clock().UTC()
	if err := e.persistAggregate(ctx, application.ID, summary, scoredAt); err != nil {
		return Summary{}, err
	}
	e.persistAnswerScores(ctx, application.ID, colors)
	if summary.Partial {
		e.clearUnscoredAnswers(ctx, application.ID, responses, colors)
	}

	if e.notifier != nil {
		e.notifier.Publish(ScoreEvent{
			ApplicationID: application.ID,
			FormID:        application.FormID,
			Summary:       summary,
			ScoredAt:      scoredAt,
		})
	}

	if allowCRM {
		e.syncCRM(ctx, application, summary, deadline)
	}
	return summary, nil
}

func (e *Engine) nearlyExhausted(deadline time.Time) bool {
	return deadline.Sub(e.clock()) < e.safetyMargin
}

func (e *Engine) loadSnapshot(ctx context.Context, formID string) (*ruleSnapshot, error) {
	db := e.db.WithContext(ctx)

	var rules []Rule
	if err := db.Where("is_active = ?", true).Find(&rules).Error; err != nil {
		return nil, err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		criteria, err := parseCriteria(rule.Criteria)
		if err == nil {
			var program matcher
			program, err = compileCriteria(criteria)
			if err == nil {
				compiled = append(compiled, compiledRule{rule: rule, matcher: program})
				continue
			}
		}
		e.logger.Warn("rule criteria unusable; rule ignored", zap.String("rule_id", rule.ID), zap.Error(err))
	}

	var fields []forms.FieldVersion
	if err := db.Where("form_id = ?", formID).Find(&fields).Error; err != nil {
		return nil, err
	}
	var choices []forms.ChoiceVersion
	if err := db.Where("form_id = ?", formID).Find(&choices).Error; err != nil {
		return nil, err
	}
	return newRuleSnapshot(compiled, fields, choices), nil
}

func (e *Engine) persistAggregate(ctx context.Context, applicationID string, summary Summary, scoredAt time.Time) error {
	err := e.db.WithContext(ctx).Model(&applications.Application{}).Where("id = ?", applicationID).Updates(map[string]any{
		"red_count":        summary.RedCount,
		"yellow_count":     summary.YellowCount,
		"green_count":      summary.GreenCount,
		"calculated_score": summary.TotalScore,
		"scored_at":        scoredAt,
	}).Error
	if err != nil {
		logError(e.logger, opCalculateScore, "aggregate_write_failed", err, zap.String(fieldApplicationID, applicationID))
		return newServiceError(opCalculateScore, "aggregate_write_failed", err)
	}
	return nil
}

// persistAnswerScores writes per-answer colors grouped by color and chunked by id.
// Failures are logged; the aggregate is already stored.
func (e *Engine) persistAnswerScores(ctx context.Context, applicationID string, colors map[string]Color) {
	grouped := make(map[Color][]string, 4)
	for responseID, color := range colors {
		grouped[color] = append(grouped[color], responseID)
	}
	db := e.db.WithContext(ctx)
	for color, responseIDs := range grouped {
		for start := 0; start < len(responseIDs); start += scoreUpdateChunkSize {
			end := min(start+scoreUpdateChunkSize, len(responseIDs))
			if err := db.Model(&applications.FieldResponse{}).
				Where("application_id = ? AND id IN ?", applicationID, responseIDs[start:end]).
				Update("score", string(color)).Error; err != nil {
				logError(e.logger, opCalculateScore, "answer_scores_write_failed", err,
					zap.String(fieldApplicationID, applicationID),
					zap.String("color", string(color)))
			}
		}
	}
}

// clearUnscoredAnswers resets the color of rows a partial run did not reach, so
// per-answer colors never outlive the aggregate they were counted in.
func (e *Engine) clearUnscoredAnswers(ctx context.Context, applicationID string, responses []applications.FieldResponse, colors map[string]Color) {
	unscored := make([]string, 0, len(responses)-len(colors))
	for _, response := range responses {
		if _, scored := colors[response.ID]; !scored {
			unscored = append(unscored, response.ID)
		}
	}
	db := e.db.WithContext(ctx)
	for start := 0; start < len(unscored); start += scoreUpdateChunkSize {
		end := min(start+scoreUpdateChunkSize, len(unscored))
		if err := db.Model(&applications.FieldResponse{}).
			Where("application_id = ? AND id IN ?", applicationID, unscored[start:end]).
			Update("score", nil).Error; err != nil {
			logError(e.logger, opCalculateScore, "answer_scores_clear_failed", err,
				zap.String(fieldApplicationID, applicationID))
		}
	}
}

// syncCRM runs the CRM tail under its own timeout. Errors never reach the caller.
func (e *Engine) syncCRM(ctx context.Context, application applications.Application, summary Summary, deadline time.Time) {
	if e.crm == nil {
		return
	}
	if e.nearlyExhausted(deadline) {
		e.logger.Warn("crm sync skipped: scoring budget exhausted", zap.String(fieldApplicationID, application.ID))
		return
	}

	var participant applications.Participant
	if err := e.db.WithContext(ctx).Where("id = ?", application.ParticipantID).Take(&participant).Error; err != nil {
		logError(e.logger, opSyncCRM, "participant_lookup_failed", err, zap.String(fieldApplicationID, application.ID))
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, e.crmTimeout)
	defer cancel()
	if err := e.crm.SyncApplicationScore(syncCtx, ScoreUpdate{
		ApplicationID:    application.ID,
		ParticipantEmail: participant.Email,
		Summary:          summary,
	}); err != nil {
		logError(e.logger, opSyncCRM, "sync_failed", err, zap.String(fieldApplicationID, application.ID))
	}
}
