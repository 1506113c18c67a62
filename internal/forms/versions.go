package forms

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	fieldFormID          = "form_id"
	fieldExternalFieldID = "external_field_id"
	queryActiveField     = "form_id = ? AND external_field_id = ? AND is_active = ?"
	queryActiveChoice    = "form_id = ? AND external_field_id = ? AND external_choice_id = ? AND is_active = ?"
	orderVersionDateDesc = "version_date DESC"
)

// VersionStoreConfig describes the dependencies of a VersionStore.
type VersionStoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// VersionStore keeps the append-only history of form fields and choices.
type VersionStore struct {
	db         *gorm.DB
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewVersionStore constructs a VersionStore.
func NewVersionStore(cfg VersionStoreConfig) (*VersionStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewVersionStore, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNewVersionStore, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &VersionStore{db: cfg.Database, idProvider: cfg.IDProvider, logger: logger}, nil
}

// UpsertField records the provider's current view of a field and returns the id of
// its active version. A new version is written only when the field meaningfully
// changed; a previously deactivated version is reactivated in place. Choices and
// nested children are reconciled afterwards; a failing child is logged and skipped.
func (s *VersionStore) UpsertField(ctx context.Context, field typeform.Field, formID string, parentVersionID *string, level int, versionDate time.Time, displayOrder int) (string, error) {
	if field.ID == "" {
		return "", newServiceError(opUpsertField, "missing_field_id", errMissingFieldID)
	}

	versionID, err := s.upsertFieldVersion(ctx, field, formID, parentVersionID, level, versionDate, displayOrder)
	if err != nil {
		return "", err
	}

	if err := s.reconcileChoices(ctx, formID, field, versionID, versionDate); err != nil {
		return versionID, err
	}

	for index, child := range field.Properties.Fields {
		if _, childErr := s.UpsertField(ctx, child, formID, &versionID, level+1, versionDate, index); childErr != nil {
			logError(s.logger, opUpsertField, "child_skipped", childErr,
				zap.String(fieldFormID, formID),
				zap.String("parent_field_id", field.ID),
				zap.String(fieldExternalFieldID, child.ID))
		}
	}

	return versionID, nil
}

func (s *VersionStore) upsertFieldVersion(ctx context.Context, field typeform.Field, formID string, parentVersionID *string, level int, versionDate time.Time, displayOrder int) (string, error) {
	db := s.db.WithContext(ctx)
	incoming := snapshotFromField(field, parentVersionID, level)
	properties, err := encodeStoredProperties(incoming.properties)
	if err != nil {
		return "", newServiceError(opUpsertField, "properties_encode_failed", err)
	}

	var active FieldVersion
	err = db.Where(queryActiveField, formID, field.ID, true).Order(orderVersionDateDesc).Take(&active).Error
	switch {
	case err == nil:
		changed, compareErr := meaningfullyChanged(active, incoming)
		if compareErr != nil {
			s.logger.Warn("stored field properties unreadable; re-versioning",
				zap.String("field_version_id", active.ID), zap.Error(compareErr))
		}
		if !changed {
			if active.DisplayOrder != displayOrder {
				if err := db.Model(&FieldVersion{}).Where("id = ?", active.ID).Update("display_order", displayOrder).Error; err != nil {
					return "", newServiceError(opUpsertField, "reorder_failed", err)
				}
			}
			return active.ID, nil
		}
		next, buildErr := s.newFieldVersion(formID, field, incoming, properties, versionDate, displayOrder)
		if buildErr != nil {
			return "", buildErr
		}
		next.IsScored = active.IsScored
		txErr := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&FieldVersion{}).Where("id = ?", active.ID).Update("is_active", false).Error; err != nil {
				return err
			}
			return tx.Create(&next).Error
		})
		if txErr != nil {
			return "", newServiceError(opUpsertField, "reversion_failed", txErr)
		}
		s.logger.Debug("field re-versioned",
			zap.String(fieldExternalFieldID, field.ID),
			zap.String("previous_version_id", active.ID),
			zap.String("field_version_id", next.ID))
		return next.ID, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", newServiceError(opUpsertField, "active_lookup_failed", err)
	}

	var inactive FieldVersion
	err = db.Where(queryActiveField, formID, field.ID, false).Order(orderVersionDateDesc).Take(&inactive).Error
	if err == nil {
		updates := map[string]any{
			"title":             incoming.title,
			"type":              incoming.fieldType,
			"ref":               incoming.ref,
			"properties":        properties,
			"parent_version_id": parentVersionID,
			"hierarchy_level":   level,
			"display_order":     displayOrder,
			"version_date":      versionDate,
			"is_active":         true,
		}
		if err := db.Model(&FieldVersion{}).Where("id = ?", inactive.ID).Updates(updates).Error; err != nil {
			return "", newServiceError(opUpsertField, "reactivate_failed", err)
		}
		return inactive.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", newServiceError(opUpsertField, "inactive_lookup_failed", err)
	}

	created, err := s.newFieldVersion(formID, field, incoming, properties, versionDate, displayOrder)
	if err != nil {
		return "", err
	}
	if err := db.Create(&created).Error; err != nil {
		return "", newServiceError(opUpsertField, "insert_failed", err)
	}
	return created.ID, nil
}

func (s *VersionStore) newFieldVersion(formID string, field typeform.Field, incoming fieldSnapshot, properties datatypes.JSON, versionDate time.Time, displayOrder int) (FieldVersion, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return FieldVersion{}, newServiceError(opUpsertField, "id_generation_failed", err)
	}
	return FieldVersion{
		ID:              id,
		FormID:          formID,
		ExternalFieldID: field.ID,
		Title:           incoming.title,
		Type:            incoming.fieldType,
		Ref:             incoming.ref,
		Properties:      properties,
		ParentVersionID: incoming.parentVersionID,
		HierarchyLevel:  incoming.level,
		DisplayOrder:    displayOrder,
		VersionDate:     versionDate,
		IsActive:        true,
		IsScored:        false,
	}, nil
}

// reconcileChoices upserts the field's current choices and deactivates the active
// ones the provider no longer lists.
func (s *VersionStore) reconcileChoices(ctx context.Context, formID string, field typeform.Field, fieldVersionID string, versionDate time.Time) error {
	specs := desiredChoices(field)
	keep := make([]string, 0, len(specs))
	for _, want := range specs {
		if _, err := s.upsertChoice(ctx, formID, field.ID, fieldVersionID, want, versionDate); err != nil {
			return err
		}
		keep = append(keep, want.externalID)
	}

	query := s.db.WithContext(ctx).Model(&ChoiceVersion{}).
		Where("form_id = ? AND external_field_id = ? AND is_active = ?", formID, field.ID, true)
	if len(keep) > 0 {
		query = query.Where("external_choice_id NOT IN ?", keep)
	}
	if err := query.Update("is_active", false).Error; err != nil {
		return newServiceError(opUpsertChoice, "deactivate_failed", err)
	}
	return nil
}

func (s *VersionStore) upsertChoice(ctx context.Context, formID, externalFieldID, fieldVersionID string, want choiceSpec, versionDate time.Time) (string, error) {
	db := s.db.WithContext(ctx)

	var active ChoiceVersion
	err := db.Where(queryActiveChoice, formID, externalFieldID, want.externalID, true).Order(orderVersionDateDesc).Take(&active).Error
	switch {
	case err == nil:
		if active.Label != want.label || active.Ref != want.ref {
			next, buildErr := s.newChoiceVersion(formID, externalFieldID, fieldVersionID, want, versionDate)
			if buildErr != nil {
				return "", buildErr
			}
			txErr := db.Transaction(func(tx *gorm.DB) error {
				if err := tx.Model(&ChoiceVersion{}).Where("id = ?", active.ID).Update("is_active", false).Error; err != nil {
					return err
				}
				return tx.Create(&next).Error
			})
			if txErr != nil {
				return "", newServiceError(opUpsertChoice, "reversion_failed", txErr)
			}
			return next.ID, nil
		}
		if active.FieldVersionID != fieldVersionID || active.DisplayOrder != want.order {
			// The parent re-versioned or reordered: follow it without a new choice version.
			if err := db.Model(&ChoiceVersion{}).Where("id = ?", active.ID).Updates(map[string]any{
				"field_version_id": fieldVersionID,
				"display_order":    want.order,
			}).Error; err != nil {
				return "", newServiceError(opUpsertChoice, "repoint_failed", err)
			}
		}
		return active.ID, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", newServiceError(opUpsertChoice, "active_lookup_failed", err)
	}

	var inactive ChoiceVersion
	err = db.Where(queryActiveChoice, formID, externalFieldID, want.externalID, false).Order(orderVersionDateDesc).Take(&inactive).Error
	if err == nil {
		if err := db.Model(&ChoiceVersion{}).Where("id = ?", inactive.ID).Updates(map[string]any{
			"field_version_id": fieldVersionID,
			"label":            want.label,
			"ref":              want.ref,
			"display_order":    want.order,
			"is_synthetic":     want.synthetic,
			"version_date":     versionDate,
			"is_active":        true,
		}).Error; err != nil {
			return "", newServiceError(opUpsertChoice, "reactivate_failed", err)
		}
		return inactive.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", newServiceError(opUpsertChoice, "inactive_lookup_failed", err)
	}

	created, err := s.newChoiceVersion(formID, externalFieldID, fieldVersionID, want, versionDate)
	if err != nil {
		return "", err
	}
	if err := db.Create(&created).Error; err != nil {
		return "", newServiceError(opUpsertChoice, "insert_failed", err)
	}
	return created.ID, nil
}

func (s *VersionStore) newChoiceVersion(formID, externalFieldID, fieldVersionID string, want choiceSpec, versionDate time.Time) (ChoiceVersion, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return ChoiceVersion{}, newServiceError(opUpsertChoice, "id_generation_failed", err)
	}
	return ChoiceVersion{
		ID:               id,
		FormID:           formID,
		FieldVersionID:   fieldVersionID,
		ExternalFieldID:  externalFieldID,
		ExternalChoiceID: want.externalID,
		Label:            want.label,
		Ref:              want.ref,
		DisplayOrder:     want.order,
		IsSynthetic:      want.synthetic,
		VersionDate:      versionDate,
		IsActive:         true,
	}, nil
}

// DeactivateMissingFields tombstones every active field (and its choices) whose
// external id is absent from seenFieldIDs.
func (s *VersionStore) DeactivateMissingFields(ctx context.Context, formID string, seenFieldIDs []string) (int64, error) {
	db := s.db.WithContext(ctx)
	var deactivated int64
	txErr := db.Transaction(func(tx *gorm.DB) error {
		fieldQuery := tx.Model(&FieldVersion{}).Where("form_id = ? AND is_active = ?", formID, true)
		choiceQuery := tx.Model(&ChoiceVersion{}).Where("form_id = ? AND is_active = ?", formID, true)
		if len(seenFieldIDs) > 0 {
			fieldQuery = fieldQuery.Where("external_field_id NOT IN ?", seenFieldIDs)
			choiceQuery = choiceQuery.Where("external_field_id NOT IN ?", seenFieldIDs)
		}
		result := fieldQuery.Update("is_active", false)
		if result.Error != nil {
			return result.Error
		}
		deactivated = result.RowsAffected
		return choiceQuery.Update("is_active", false).Error
	})
	if txErr != nil {
		logError(s.logger, opDeactivateMissingFields, "update_failed", txErr, zap.String(fieldFormID, formID))
		return 0, newServiceError(opDeactivateMissingFields, "update_failed", txErr)
	}
	return deactivated, nil
}
