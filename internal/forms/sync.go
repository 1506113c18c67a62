package forms

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FormProvider returns the provider's current definition of a form.
type FormProvider interface {
	GetFormDetails(ctx context.Context, formID string) (typeform.FormDefinition, error)
}

// SyncerConfig describes the dependencies of a Syncer.
type SyncerConfig struct {
	Database   *gorm.DB
	Provider   FormProvider
	Versions   *VersionStore
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Syncer reconciles provider form schemas into the version store.
type Syncer struct {
	db         *gorm.DB
	provider   FormProvider
	versions   *VersionStore
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	FormID            string
	ExternalFormID    string
	FieldsSeen        int
	FieldsDeactivated int64
	FieldsSkipped     int
	SyncedAt          time.Time
}

// NewSyncer constructs a Syncer.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewSyncer, "missing_database", errMissingDatabase)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(opNewSyncer, "missing_provider", errMissingProvider)
	}
	if cfg.Versions == nil {
		return nil, newServiceError(opNewSyncer, "missing_versions", errMissingVersions)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNewSyncer, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Syncer{
		db:         cfg.Database,
		provider:   cfg.Provider,
		versions:   cfg.Versions,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SyncForm pulls the provider's form definition and reconciles it. Running it twice
// against an unchanged schema writes no new versions.
func (s *Syncer) SyncForm(ctx context.Context, externalFormID string) (SyncResult, error) {
	externalFormID = strings.TrimSpace(externalFormID)
	definition, err := s.provider.GetFormDetails(ctx, externalFormID)
	if err != nil {
		if errors.Is(err, typeform.ErrFormNotFound) {
			return SyncResult{}, newServiceError(opSyncForm, "provider_form_not_found", ErrFormNotFound)
		}
		logError(s.logger, opSyncForm, "provider_fetch_failed", err, zap.String("external_form_id", externalFormID))
		return SyncResult{}, newServiceError(opSyncForm, "provider_fetch_failed", err)
	}

	versionDate := s.clock().UTC()
	form, err := s.upsertForm(ctx, externalFormID, definition)
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{FormID: form.ID, ExternalFormID: externalFormID, SyncedAt: versionDate}
	for index, field := range definition.Fields {
		if _, upsertErr := s.versions.UpsertField(ctx, field, form.ID, nil, 0, versionDate, index); upsertErr != nil {
			result.FieldsSkipped++
			logError(s.logger, opSyncForm, "field_skipped", upsertErr,
				zap.String(fieldFormID, form.ID),
				zap.String(fieldExternalFieldID, field.ID))
		}
	}

	flattened := typeform.FlattenFields(definition.Fields)
	seen := make([]string, 0, len(flattened))
	for _, field := range flattened {
		if field.ID != "" {
			seen = append(seen, field.ID)
		}
	}
	result.FieldsSeen = len(seen)

	deactivated, err := s.versions.DeactivateMissingFields(ctx, form.ID, seen)
	if err != nil {
		return SyncResult{}, err
	}
	result.FieldsDeactivated = deactivated

	if err := s.db.WithContext(ctx).Model(&Form{}).Where("id = ?", form.ID).
		Update("last_synced_at", versionDate).Error; err != nil {
		logError(s.logger, opSyncForm, "mark_synced_failed", err, zap.String(fieldFormID, form.ID))
		return SyncResult{}, newServiceError(opSyncForm, "mark_synced_failed", err)
	}

	s.logger.Info("form synced",
		zap.String(fieldFormID, form.ID),
		zap.String("external_form_id", externalFormID),
		zap.Int("fields_seen", result.FieldsSeen),
		zap.Int("fields_skipped", result.FieldsSkipped),
		zap.Int64("fields_deactivated", result.FieldsDeactivated))
	return result, nil
}

func (s *Syncer) upsertForm(ctx context.Context, externalFormID string, definition typeform.FormDefinition) (Form, error) {
	db := s.db.WithContext(ctx)
	id, err := s.idProvider.NewID()
	if err != nil {
		return Form{}, newServiceError(opSyncForm, "id_generation_failed", err)
	}
	candidate := Form{
		ID:         id,
		ExternalID: externalFormID,
		Title:      definition.Title,
		Workspace:  definition.Workspace.Href,
		IsActive:   true,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return Form{}, newServiceError(opSyncForm, "form_insert_failed", err)
	}

	var form Form
	if err := db.Where("external_id = ?", externalFormID).Take(&form).Error; err != nil {
		return Form{}, newServiceError(opSyncForm, "form_lookup_failed", err)
	}
	if form.Title != definition.Title || form.Workspace != definition.Workspace.Href || !form.IsActive {
		if err := db.Model(&Form{}).Where("id = ?", form.ID).Updates(map[string]any{
			"title":     definition.Title,
			"workspace": definition.Workspace.Href,
			"is_active": true,
		}).Error; err != nil {
			return Form{}, newServiceError(opSyncForm, "form_update_failed", err)
		}
		form.Title = definition.Title
		form.Workspace = definition.Workspace.Href
		form.IsActive = true
	}
	return form, nil
}

// FindActiveForm resolves an external form id to its active Form row.
func (s *Syncer) FindActiveForm(ctx context.Context, externalFormID string) (Form, error) {
	return FindActiveForm(ctx, s.db, externalFormID)
}

// FindActiveForm resolves an external form id to its active Form row.
func FindActiveForm(ctx context.Context, db *gorm.DB, externalFormID string) (Form, error) {
	var form Form
	err := db.WithContext(ctx).Where("external_id = ? AND is_active = ?", strings.TrimSpace(externalFormID), true).Take(&form).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Form{}, ErrFormNotFound
		}
		return Form{}, newServiceError(opFindForm, "lookup_failed", err)
	}
	return form, nil
}

// ListFieldVersions returns the active field versions of a form in display order.
func ListFieldVersions(ctx context.Context, db *gorm.DB, formID string) ([]FieldVersion, error) {
	var fields []FieldVersion
	err := db.WithContext(ctx).
		Where("form_id = ? AND is_active = ?", formID, true).
		Order("hierarchy_level ASC, display_order ASC").
		Find(&fields).Error
	if err != nil {
		return nil, newServiceError(opListFields, "query_failed", err)
	}
	return fields, nil
}

// ListChoiceVersions returns the active choice versions of a form in display order.
func ListChoiceVersions(ctx context.Context, db *gorm.DB, formID string) ([]ChoiceVersion, error) {
	var choices []ChoiceVersion
	err := db.WithContext(ctx).
		Where("form_id = ? AND is_active = ?", formID, true).
		Order("display_order ASC").
		Find(&choices).Error
	if err != nil {
		return nil, newServiceError(opListFields, "choice_query_failed", err)
	}
	return choices, nil
}
