package intake

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidPayload indicates the webhook is malformed or lacks identifying fields.
	ErrInvalidPayload = errors.New("intake: invalid payload")
	// ErrUnknownForm indicates the form exists neither locally nor at the provider.
	ErrUnknownForm = errors.New("intake: unknown form")

	noOpLogger = zap.NewNop()
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
	opNewController = "intake.controller.new"
	opHandle        = "intake.handle"
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
	logger.Error("intake service error", attrs...)
}
