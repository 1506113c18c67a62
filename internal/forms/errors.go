package forms

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrFormNotFound indicates no active form exists for the external id.
	ErrFormNotFound = errors.New("forms: form not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProvider   = errors.New("form provider is required")
	errMissingVersions   = errors.New("version store is required")
	errMissingFieldID    = errors.New("field id is required")
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
	opNewVersionStore         = "forms.version_store.new"
	opNewSyncer               = "forms.syncer.new"
	opUpsertField             = "forms.upsert_field"
	opUpsertChoice            = "forms.upsert_choice"
	opDeactivateMissingFields = "forms.deactivate_missing_fields"
	opSyncForm                = "forms.sync_form"
	opFindForm                = "forms.find_form"
	opListFields              = "forms.list_fields"
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
	logger.Error("forms service error", attrs...)
}
