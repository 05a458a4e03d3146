package engine

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"webhook-relay/internal/ledger"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(kind, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", kind, id),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}

func InvalidStateError(msg string) *AppError {
	return &AppError{Code: "INVALID_STATE", Status: 400, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func RateLimitedError() *AppError {
	return &AppError{Code: "RATE_LIMITED", Status: 429, Message: "Too many requests"}
}

// FromLedgerError maps ledger sentinels onto the HTTP error envelope.
// Unclassified errors become PERSISTENCE_ERROR.
func FromLedgerError(err error, kind, id string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var ve *ledger.ValidationError
	switch {
	case errors.As(err, &ve):
		details := make([]ErrorDetail, len(ve.Fields))
		for i, f := range ve.Fields {
			details[i] = ErrorDetail{Field: f.Field, Rule: "invalid", Message: f.Message}
		}
		return ValidationError(details)
	case errors.Is(err, ledger.ErrNotFound):
		return NotFoundError(kind, id)
	case errors.Is(err, ledger.ErrReferentialIntegrity):
		return &AppError{Code: "REFERENTIAL_INTEGRITY", Status: 500, Message: err.Error()}
	case errors.Is(err, ledger.ErrAlreadyRetried):
		return ConflictError(err.Error())
	default:
		return &AppError{Code: "PERSISTENCE_ERROR", Status: 500, Message: "Storage operation failed"}
	}
}

// NewErrorHandler renders AppErrors as-is and everything else as a logged 500.
func NewErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(ErrorResponse{
				Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
			})
		}

		logger.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: &AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
