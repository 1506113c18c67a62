package applications

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists participants and applications. Every create is an
// insert-if-absent guarded by a unique key followed by a re-select.
type Store struct {
	db         *gorm.DB
	idProvider ids.Provider
	logger     *zap.Logger
}

// ParticipantInput carries the identifying details extracted from a submission.
type ParticipantInput struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// ApplicationInput carries the details of a new submission.
type ApplicationInput struct {
	ParticipantID string
	FormID        string
	Token         string
	SubmittedAt   *time.Time
	RawPayload    json.RawMessage
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewStore, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNewStore, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, idProvider: cfg.IDProvider, logger: logger}, nil
}

// FindOrCreateParticipant returns the participant owning the email, creating it if absent.
// Blank name and phone details on an existing participant are filled in.
func (s *Store) FindOrCreateParticipant(ctx context.Context, input ParticipantInput) (Participant, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return Participant{}, ErrInvalidParticipant
	}
	db := s.db.WithContext(ctx)

	id, err := s.idProvider.NewID()
	if err != nil {
		return Participant{}, newServiceError(opUpsertParticipant, "id_generation_failed", err)
	}
	candidate := Participant{
		ID:        id,
		Email:     email,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Phone:     strings.TrimSpace(input.Phone),
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		logError(s.logger, opUpsertParticipant, "insert_failed", err)
		return Participant{}, newServiceError(opUpsertParticipant, "insert_failed", err)
	}

	var participant Participant
	if err := db.Where("email = ?", email).Take(&participant).Error; err != nil {
		return Participant{}, newServiceError(opUpsertParticipant, "lookup_failed", err)
	}

	updates := map[string]any{}
	if participant.FirstName == "" && candidate.FirstName != "" {
		updates["first_name"] = candidate.FirstName
	}
	if participant.LastName == "" && candidate.LastName != "" {
		updates["last_name"] = candidate.LastName
	}
	if participant.Phone == "" && candidate.Phone != "" {
		updates["phone"] = candidate.Phone
	}
	if len(updates) > 0 {
		if err := db.Model(&Participant{}).Where("id = ?", participant.ID).Updates(updates).Error; err != nil {
			s.logger.Warn("participant detail backfill failed", zap.String("participant_id", participant.ID), zap.Error(err))
		} else {
			if value, ok := updates["first_name"].(string); ok {
				participant.FirstName = value
			}
			if value, ok := updates["last_name"].(string); ok {
				participant.LastName = value
			}
			if value, ok := updates["phone"].(string); ok {
				participant.Phone = value
			}
		}
	}
	return participant, nil
}

// CreateIfAbsent inserts the application for the token unless one exists and
// returns the stored row. The boolean reports whether this call created it.
func (s *Store) CreateIfAbsent(ctx context.Context, input ApplicationInput) (Application, bool, error) {
	token := strings.TrimSpace(input.Token)
	if token == "" {
		return Application{}, false, newServiceError(opCreateApplication, "missing_token", errMissingToken)
	}
	db := s.db.WithContext(ctx)

	id, err := s.idProvider.NewID()
	if err != nil {
		return Application{}, false, newServiceError(opCreateApplication, "id_generation_failed", err)
	}
	candidate := Application{
		ID:                 id,
		ParticipantID:      input.ParticipantID,
		FormID:             input.FormID,
		TypeformResponseID: token,
		Status:             StatusPending,
		SubmittedAt:        input.SubmittedAt,
	}
	if len(input.RawPayload) > 0 {
		candidate.RawPayload = datatypes.JSON(input.RawPayload)
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "typeform_response_id"}},
		DoNothing: true,
	}).Create(&candidate)
	if result.Error != nil {
		logError(s.logger, opCreateApplication, "insert_failed", result.Error, zap.String("token", token))
		return Application{}, false, newServiceError(opCreateApplication, "insert_failed", result.Error)
	}

	application, err := s.FindByToken(ctx, token)
	if err != nil {
		return Application{}, false, err
	}
	return application, result.RowsAffected > 0 && application.ID == id, nil
}

// FindByToken looks an application up by provider response token.
func (s *Store) FindByToken(ctx context.Context, token string) (Application, error) {
	var application Application
	err := s.db.WithContext(ctx).Where("typeform_response_id = ?", strings.TrimSpace(token)).Take(&application).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Application{}, ErrApplicationNotFound
		}
		return Application{}, newServiceError(opFindApplication, "token_lookup_failed", err)
	}
	return application, nil
}

// Get loads an application by id.
func (s *Store) Get(ctx context.Context, applicationID string) (Application, error) {
	return GetApplication(ctx, s.db, applicationID)
}

// GetApplication loads an application by id.
func GetApplication(ctx context.Context, db *gorm.DB, applicationID string) (Application, error) {
	var application Application
	err := db.WithContext(ctx).Where("id = ?", applicationID).Take(&application).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Application{}, ErrApplicationNotFound
		}
		return Application{}, newServiceError(opFindApplication, "lookup_failed", err)
	}
	return application, nil
}

// GetParticipant loads a participant by id.
func (s *Store) GetParticipant(ctx context.Context, participantID string) (Participant, error) {
	var participant Participant
	if err := s.db.WithContext(ctx).Where("id = ?", participantID).Take(&participant).Error; err != nil {
		return Participant{}, newServiceError(opFindApplication, "participant_lookup_failed", err)
	}
	return participant, nil
}

// HasResponses reports whether any response rows exist for the application.
func (s *Store) HasResponses(ctx context.Context, applicationID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&FieldResponse{}).Where("application_id = ?", applicationID).Count(&count).Error; err != nil {
		return false, newServiceError(opFindApplication, "response_count_failed", err)
	}
	return count > 0, nil
}

// ListResponses returns the application's response rows in arrival order.
func ListResponses(ctx context.Context, db *gorm.DB, applicationID string) ([]FieldResponse, error) {
	var responses []FieldResponse
	err := db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("position ASC, id ASC").
		Find(&responses).Error
	if err != nil {
		return nil, newServiceError(opFindApplication, "responses_query_failed", err)
	}
	return responses, nil
}
