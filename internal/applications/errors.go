package applications

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrApplicationNotFound indicates no application matches the lookup.
	ErrApplicationNotFound = errors.New("applications: application not found")
	// ErrInvalidParticipant indicates the participant email is missing.
	ErrInvalidParticipant = errors.New("applications: participant email required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingToken      = errors.New("response token is required")
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
	opNewStore          = "applications.store.new"
	opNewIngestor       = "applications.ingestor.new"
	opUpsertParticipant = "applications.upsert_participant"
	opCreateApplication = "applications.create_application"
	opFindApplication   = "applications.find_application"
	opProcessAnswers    = "applications.process_answers"
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
	logger.Error("applications service error", attrs...)
}
