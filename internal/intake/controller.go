// Package intake runs the webhook state machine: dedup, lock, ingest, score, release.
package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/locking"
	"github.com/MarcoPoloResearchLab/intake/internal/retry"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 2
	defaultRetryDelay  = 750 * time.Millisecond
	fieldToken         = "token"
	fieldApplicationID = "application_id"
)

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeSkippedLocked    Outcome = "skipped_locked"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Result describes how a delivery was handled.
type Result struct {
	Outcome       Outcome
	ApplicationID string
	Summary       scoring.Summary
	Ingest        applications.IngestResult
	IngestSkipped bool
	ScoreSkipped  bool
}

// FormResolver finds synced forms and syncs unknown ones on demand.
type FormResolver interface {
	FindActiveForm(ctx context.Context, externalFormID string) (forms.Form, error)
	SyncForm(ctx context.Context, externalFormID string) (forms.SyncResult, error)
}

// ApplicationStore persists participants and applications.
type ApplicationStore interface {
	FindOrCreateParticipant(ctx context.Context, input applications.ParticipantInput) (applications.Participant, error)
	CreateIfAbsent(ctx context.Context, input applications.ApplicationInput) (applications.Application, bool, error)
	FindByToken(ctx context.Context, token string) (applications.Application, error)
	HasResponses(ctx context.Context, applicationID string) (bool, error)
}

// AnswerIngestor writes response rows for a submission.
type AnswerIngestor interface {
	ProcessAnswers(ctx context.Context, applicationID, formID string, answers []typeform.Answer, definitions map[string]typeform.FieldDefinition) (applications.IngestResult, error)
}

// ScoreCalculator scores an application.
type ScoreCalculator interface {
	CalculateScore(ctx context.Context, applicationID string) (scoring.Summary, error)
}

// PayloadArchiver keeps a copy of the raw webhook body.
type PayloadArchiver interface {
	ArchivePayload(ctx context.Context, token string, payload []byte) error
}

// ControllerConfig describes the dependencies of a Controller.
type ControllerConfig struct {
	Forms        FormResolver
	Applications ApplicationStore
	Ingestor     AnswerIngestor
	Scorer       ScoreCalculator
	Locks        locking.Store
	Archiver     PayloadArchiver
	RetryPolicy  retry.Policy
	Logger       *zap.Logger
}

// Controller handles webhook deliveries keyed by submission token.
type Controller struct {
	forms        FormResolver
	applications ApplicationStore
	ingestor     AnswerIngestor
	scorer       ScoreCalculator
	locks        locking.Store
	archiver     PayloadArchiver
	retryPolicy  retry.Policy
	logger       *zap.Logger
}

// NewController constructs a Controller. Archiver is optional.
func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Forms == nil:
		return nil, newServiceError(opNewController, "missing_forms", errors.New("form resolver is required"))
	case cfg.Applications == nil:
		return nil, newServiceError(opNewController, "missing_applications", errors.New("application store is required"))
	case cfg.Ingestor == nil:
		return nil, newServiceError(opNewController, "missing_ingestor", errors.New("ingestor is required"))
	case cfg.Scorer == nil:
		return nil, newServiceError(opNewController, "missing_scorer", errors.New("scorer is required"))
	case cfg.Locks == nil:
		return nil, newServiceError(opNewController, "missing_locks", errors.New("lock store is required"))
	}
	policy := cfg.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	if policy.Delay <= 0 {
		policy.Delay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Controller{
		forms:        cfg.Forms,
		applications: cfg.Applications,
		ingestor:     cfg.Ingestor,
		scorer:       cfg.Scorer,
		locks:        cfg.Locks,
		archiver:     cfg.Archiver,
		retryPolicy:  policy,
		logger:       logger,
	}, nil
}

// Validate checks the fields every delivery must carry.
func Validate(payload typeform.WebhookPayload) error {
	switch {
	case payload.EventType != typeform.EventTypeFormResponse:
		return newServiceError(opHandle, "unsupported_event", ErrInvalidPayload)
	case strings.TrimSpace(payload.FormResponse.Token) == "":
		return newServiceError(opHandle, "missing_token", ErrInvalidPayload)
	case strings.TrimSpace(payload.FormResponse.FormID) == "":
		return newServiceError(opHandle, "missing_form_id", ErrInvalidPayload)
	case payload.FormResponse.ParticipantEmail() == "":
		return newServiceError(opHandle, "missing_email", ErrInvalidPayload)
	}
	return nil
}

// Handle runs one delivery through dedup, lock, ingest and score. The lock is
// released on every exit path once it was acquired.
func (c *Controller) Handle(ctx context.Context, payload typeform.WebhookPayload, rawBody []byte) (result Result, err error) {
	if err := Validate(payload); err != nil {
		return Result{}, err
	}
	response := payload.FormResponse
	token := strings.TrimSpace(response.Token)
	logFields := []zap.Field{zap.String(fieldToken, token), zap.String("external_form_id", response.FormID)}

	existing, err := c.applications.FindByToken(ctx, token)
	switch {
	case err == nil:
		if existing.FullyProcessed() {
			c.logger.Info("duplicate delivery already processed", logFields...)
			return alreadyProcessed(existing), nil
		}
	case !errors.Is(err, applications.ErrApplicationNotFound):
		logError(c.logger, opHandle, "dedup_lookup_failed", err, logFields...)
		return Result{}, newServiceError(opHandle, "dedup_lookup_failed", err)
	}

	lease, acquired, lockErr := c.locks.Acquire(ctx, locking.LockID(token))
	switch {
	case lockErr != nil:
		c.logger.Warn("lock backend failed; proceeding without lock", append(logFields, zap.Error(lockErr))...)
	case !acquired:
		c.logger.Info("delivery skipped: token locked by another worker", logFields...)
		return Result{Outcome: OutcomeSkippedLocked, ApplicationID: existing.ID}, nil
	default:
		defer c.release(ctx, lease, logFields)
	}

	form, err := c.resolveForm(ctx, response.FormID)
	if err != nil {
		return Result{}, err
	}

	participant, err := c.applications.FindOrCreateParticipant(ctx, participantFrom(response))
	if err != nil {
		logError(c.logger, opHandle, "participant_upsert_failed", err, logFields...)
		return Result{}, newServiceError(opHandle, "participant_upsert_failed", err)
	}
	application, created, err := c.applications.CreateIfAbsent(ctx, applications.ApplicationInput{
		ParticipantID: participant.ID,
		FormID:        form.ID,
		Token:         token,
		SubmittedAt:   response.SubmittedAt,
		RawPayload:    rawBody,
	})
	if err != nil {
		logError(c.logger, opHandle, "application_upsert_failed", err, logFields...)
		return Result{}, newServiceError(opHandle, "application_upsert_failed", err)
	}
	logFields = append(logFields, zap.String(fieldApplicationID, application.ID))
	if application.FullyProcessed() {
		return alreadyProcessed(application), nil
	}
	if created {
		c.archive(ctx, token, rawBody, logFields)
	}

	result = Result{Outcome: OutcomeProcessed, ApplicationID: application.ID}

	hasResponses, err := c.applications.HasResponses(ctx, application.ID)
	if err != nil {
		return Result{}, newServiceError(opHandle, "response_check_failed", err)
	}
	if hasResponses {
		result.IngestSkipped = true
	} else {
		err = retry.Do(ctx, c.policy("ingest", logFields), func(ctx context.Context) error {
			ingested, ingestErr := c.ingestor.ProcessAnswers(ctx, application.ID, form.ID, response.Answers, response.FieldDefinitionsByID())
			if ingestErr != nil {
				return ingestErr
			}
			result.Ingest = ingested
			return nil
		})
		if err != nil {
			logError(c.logger, opHandle, "ingest_failed", err, logFields...)
			return Result{}, newServiceError(opHandle, "ingest_failed", err)
		}
	}

	if result.IngestSkipped && application.CalculatedScore != nil {
		result.ScoreSkipped = true
		result.Summary = storedSummary(application)
	} else {
		err = retry.Do(ctx, c.policy("score", logFields), func(ctx context.Context) error {
			summary, scoreErr := c.scorer.CalculateScore(ctx, application.ID)
			if scoreErr != nil {
				return scoreErr
			}
			result.Summary = summary
			return nil
		})
		if err != nil {
			logError(c.logger, opHandle, "score_failed", err, logFields...)
			return Result{}, newServiceError(opHandle, "score_failed", err)
		}
	}

	c.logger.Info("submission processed",
		append(logFields,
			zap.Int("rows_written", result.Ingest.ProcessedCount),
			zap.Int("answers_skipped", result.Ingest.SkippedCount),
			zap.Int("total_score", result.Summary.TotalScore))...)
	return result, nil
}

func (c *Controller) resolveForm(ctx context.Context, externalFormID string) (forms.Form, error) {
	form, err := c.forms.FindActiveForm(ctx, externalFormID)
	if err == nil {
		return form, nil
	}
	if !errors.Is(err, forms.ErrFormNotFound) {
		return forms.Form{}, newServiceError(opHandle, "form_lookup_failed", err)
	}

	c.logger.Info("unknown form; syncing from provider", zap.String("external_form_id", externalFormID))
	if _, syncErr := c.forms.SyncForm(ctx, externalFormID); syncErr != nil {
		if errors.Is(syncErr, forms.ErrFormNotFound) {
			return forms.Form{}, newServiceError(opHandle, "unknown_form", ErrUnknownForm)
		}
		logError(c.logger, opHandle, "form_sync_failed", syncErr, zap.String("external_form_id", externalFormID))
		return forms.Form{}, newServiceError(opHandle, "form_sync_failed", syncErr)
	}
	form, err = c.forms.FindActiveForm(ctx, externalFormID)
	if err != nil {
		return forms.Form{}, newServiceError(opHandle, "form_lookup_failed", err)
	}
	return form, nil
}

func (c *Controller) release(ctx context.Context, lease locking.Lease, logFields []zap.Field) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(releaseCtx, lease); err != nil {
		c.logger.Warn("lock release failed", append(logFields, zap.Error(err))...)
	}
}

func (c *Controller) archive(ctx context.Context, token string, rawBody []byte, logFields []zap.Field) {
	if c.archiver == nil || len(rawBody) == 0 {
		return
	}
	if err := c.archiver.ArchivePayload(ctx, token, rawBody); err != nil {
		c.logger.Warn("raw payload archive failed", append(logFields, zap.Error(err))...)
	}
}

func (c *Controller) policy(step string, logFields []zap.Field) retry.Policy {
	policy := c.retryPolicy
	policy.OnRetry = func(attempt int, err error) {
		c.logger.Warn("transient failure; retrying",
			append(logFields, zap.String("step", step), zap.Int("attempt", attempt), zap.Error(err))...)
	}
	return policy
}

func alreadyProcessed(application applications.Application) Result {
	return Result{
		Outcome:       OutcomeAlreadyProcessed,
		ApplicationID: application.ID,
		Summary:       storedSummary(application),
		IngestSkipped: true,
		ScoreSkipped:  true,
	}
}

func storedSummary(application applications.Application) scoring.Summary {
	summary := scoring.Summary{
		RedCount:    application.RedCount,
		YellowCount: application.YellowCount,
		GreenCount:  application.GreenCount,
	}
	if application.CalculatedScore != nil {
		summary.TotalScore = *application.CalculatedScore
	}
	return summary
}

func participantFrom(response typeform.FormResponse) applications.ParticipantInput {
	input := applications.ParticipantInput{
		Email:     response.ParticipantEmail(),
		FirstName: response.Hidden["first_name"],
		LastName:  response.Hidden["last_name"],
		Phone:     response.Hidden["phone"],
	}
	for _, answer := range response.Answers {
		if answer.Type == "phone_number" && strings.TrimSpace(answer.PhoneNumber) != "" {
			input.Phone = answer.PhoneNumber
			break
		}
	}
	return input
}
