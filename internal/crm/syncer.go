package crm

import (
	"context"
	"errors"
	"strconv"

	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"go.uber.org/zap"
)

// Deal properties written after each scoring run.
const (
	PropertyRedCount    = "triage_red_count"
	PropertyYellowCount = "triage_yellow_count"
	PropertyGreenCount  = "triage_green_count"
	PropertyScore       = "triage_score"
)

// ScoreSyncerConfig describes the dependencies of a ScoreSyncer.
type ScoreSyncerConfig struct {
	Client   Client
	Pipeline string
	Stage    string
	Logger   *zap.Logger
}

// ScoreSyncer copies an application's score onto the participant's newest deal.
type ScoreSyncer struct {
	client   Client
	pipeline string
	stage    string
	logger   *zap.Logger
}

// NewScoreSyncer constructs a ScoreSyncer.
func NewScoreSyncer(cfg ScoreSyncerConfig) (*ScoreSyncer, error) {
	if cfg.Client == nil {
		return nil, errors.New("crm: client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScoreSyncer{client: cfg.Client, pipeline: cfg.Pipeline, stage: cfg.Stage, logger: logger}, nil
}

// SyncApplicationScore resolves contact then deal, writes the score properties and
// moves the deal when a stage is configured.
func (s *ScoreSyncer) SyncApplicationScore(ctx context.Context, update scoring.ScoreUpdate) error {
	if update.ParticipantEmail == "" {
		return ErrContactNotFound
	}
	contactID, err := s.client.FindContactByEmail(ctx, update.ParticipantEmail)
	if err != nil {
		return err
	}
	dealID, err := s.client.FindMostRecentDealForContact(ctx, contactID)
	if err != nil {
		return err
	}
	properties := map[string]string{
		PropertyRedCount:    strconv.Itoa(update.Summary.RedCount),
		PropertyYellowCount: strconv.Itoa(update.Summary.YellowCount),
		PropertyGreenCount:  strconv.Itoa(update.Summary.GreenCount),
		PropertyScore:       strconv.Itoa(update.Summary.TotalScore),
	}
	if err := s.client.UpdateDealProperties(ctx, dealID, properties); err != nil {
		return err
	}
	if s.stage != "" {
		if err := s.client.UpdateDealStage(ctx, dealID, s.pipeline, s.stage); err != nil {
			return err
		}
	}
	s.logger.Info("crm deal updated",
		zap.String("application_id", update.ApplicationID),
		zap.String("deal_id", dealID))
	return nil
}

// NoopSyncer is used when no CRM is configured.
type NoopSyncer struct{}

// SyncApplicationScore does nothing.
func (NoopSyncer) SyncApplicationScore(context.Context, scoring.ScoreUpdate) error {
	return nil
}
