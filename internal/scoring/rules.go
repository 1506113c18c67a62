package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RuleServiceConfig describes the dependencies of a RuleService.
type RuleServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// RuleService administers scoring rules.
type RuleService struct {
	db         *gorm.DB
	idProvider ids.Provider
	logger     *zap.Logger
}

// RuleInput describes a rule to create.
type RuleInput struct {
	TargetType TargetType
	TargetID   string
	ScoreValue Color
	Criteria   Criteria
}

// NewRuleService constructs a RuleService.
func NewRuleService(cfg RuleServiceConfig) (*RuleService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewRuleService, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNewRuleService, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RuleService{db: cfg.Database, idProvider: cfg.IDProvider, logger: logger}, nil
}

// CreateRule validates and stores a rule, then marks the targeted field as scored.
func (s *RuleService) CreateRule(ctx context.Context, input RuleInput) (Rule, error) {
	targetID := strings.TrimSpace(input.TargetID)
	if targetID == "" {
		return Rule{}, newServiceError(opCreateRule, "missing_target", ErrInvalidRule)
	}
	if !input.ScoreValue.Valid() {
		return Rule{}, newServiceError(opCreateRule, "invalid_score_value", ErrInvalidRule)
	}
	if _, err := compileCriteria(input.Criteria); err != nil {
		return Rule{}, newServiceError(opCreateRule, "invalid_expression", fmt.Errorf("%w: %v", ErrInvalidRule, err))
	}

	db := s.db.WithContext(ctx)
	formID, fieldVersionID, err := s.resolveTarget(db, input.TargetType, targetID)
	if err != nil {
		return Rule{}, err
	}

	var criteria datatypes.JSON
	if input.Criteria != (Criteria{}) {
		encoded, encodeErr := json.Marshal(input.Criteria)
		if encodeErr != nil {
			return Rule{}, newServiceError(opCreateRule, "criteria_encode_failed", encodeErr)
		}
		criteria = datatypes.JSON(encoded)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Rule{}, newServiceError(opCreateRule, "id_generation_failed", err)
	}
	rule := Rule{
		ID:         id,
		FormID:     formID,
		TargetType: input.TargetType,
		TargetID:   targetID,
		ScoreValue: input.ScoreValue,
		Criteria:   criteria,
		IsActive:   true,
	}

	txErr := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rule).Error; err != nil {
			return err
		}
		return tx.Model(&forms.FieldVersion{}).Where("id = ?", fieldVersionID).Update("is_scored", true).Error
	})
	if txErr != nil {
		logError(s.logger, opCreateRule, "insert_failed", txErr, zap.String("target_id", targetID))
		return Rule{}, newServiceError(opCreateRule, "insert_failed", txErr)
	}
	return rule, nil
}

func (s *RuleService) resolveTarget(db *gorm.DB, targetType TargetType, targetID string) (string, string, error) {
	switch targetType {
	case TargetField:
		var field forms.FieldVersion
		if err := db.Where("id = ?", targetID).Take(&field).Error; err != nil {
			return "", "", s.targetLookupError(err)
		}
		return field.FormID, field.ID, nil
	case TargetChoice:
		var choice forms.ChoiceVersion
		if err := db.Where("id = ?", targetID).Take(&choice).Error; err != nil {
			return "", "", s.targetLookupError(err)
		}
		return choice.FormID, choice.FieldVersionID, nil
	}
	return "", "", newServiceError(opCreateRule, "invalid_target_type", ErrInvalidRule)
}

func (s *RuleService) targetLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opCreateRule, "target_not_found", ErrTargetNotFound)
	}
	return newServiceError(opCreateRule, "target_lookup_failed", err)
}

// DeleteRule deactivates a rule. The row is kept.
func (s *RuleService) DeleteRule(ctx context.Context, ruleID string) error {
	result := s.db.WithContext(ctx).Model(&Rule{}).
		Where("id = ? AND is_active = ?", strings.TrimSpace(ruleID), true).
		Update("is_active", false)
	if result.Error != nil {
		logError(s.logger, opDeleteRule, "update_failed", result.Error, zap.String("rule_id", ruleID))
		return newServiceError(opDeleteRule, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteRule, "not_found", ErrRuleNotFound)
	}
	return nil
}

// ListActiveRules returns the active rules of a form.
func (s *RuleService) ListActiveRules(ctx context.Context, formID string) ([]Rule, error) {
	var rules []Rule
	if err := s.db.WithContext(ctx).
		Where("form_id = ? AND is_active = ?", formID, true).
		Order("created_at ASC").
		Find(&rules).Error; err != nil {
		return nil, newServiceError(opListRules, "query_failed", err)
	}
	return rules, nil
}
