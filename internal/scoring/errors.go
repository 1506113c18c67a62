package scoring

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidRule indicates the rule definition failed validation.
	ErrInvalidRule = errors.New("scoring: invalid rule")
	// ErrRuleNotFound indicates no active rule matches the id.
	ErrRuleNotFound = errors.New("scoring: rule not found")
	// ErrTargetNotFound indicates the rule target does not exist.
	ErrTargetNotFound = errors.New("scoring: rule target not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errNonBooleanResult  = errors.New("expression did not return a boolean")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNewEngine      = "scoring.engine.new"
	opNewRuleService = "scoring.rule_service.new"
	opCalculateScore = "scoring.calculate_score"
	opCreateRule     = "scoring.create_rule"
	opDeleteRule     = "scoring.delete_rule"
	opListRules      = "scoring.list_rules"
	opSyncCRM        = "scoring.sync_crm"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("scoring service error", attrs...)
}
