package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput        = "RELAY_BAD_INPUT"
	ErrorNotFound        = "RELAY_NOT_FOUND"
	ErrorConflict        = "RELAY_CONFLICT"
	ErrorJobBusy         = "RELAY_JOB_BUSY"
	ErrorLeaseLost       = "RELAY_LEASE_LOST"
	ErrorDeliveryFailed  = "RELAY_DELIVERY_FAILED"
	ErrorExternalFailure = "RELAY_EXTERNAL_FAILURE"
	ErrorRateLimited     = "RELAY_RATE_LIMITED"
	ErrorUnauthorized    = "RELAY_UNAUTHORIZED"
	ErrorConfigInvalid   = "RELAY_CONFIG_INVALID"
	ErrorInternal        = "RELAY_INTERNAL_ERROR"
)

func NewError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func WrapError(source error, category goerrors.Category, textCode string, message string) *goerrors.Error {
	if source == nil {
		return NewError(message, category, textCode)
	}
	return ensureErrorEnvelope(goerrors.Wrap(source, category, message).WithTextCode(textCode))
}

func ValidationError(field string, message string) *goerrors.Error {
	return goerrors.NewValidation("relay: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput)
}

func NotFoundError(message string) *goerrors.Error {
	return NewError(message, goerrors.CategoryNotFound, ErrorNotFound)
}

// LeaseLostError reports a claim that was recovered and handed to another
// worker before its holder resolved it.
func LeaseLostError(message string, metadata map[string]any) *goerrors.Error {
	return NewError(message, goerrors.CategoryConflict, ErrorLeaseLost).WithMetadata(metadata)
}

// IsTextCode reports whether err carries a go-errors envelope with textCode.
func IsTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}

// MapError classifies plain errors into the relay error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return NewError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "already running"), strings.Contains(msg, "saturated"):
		return NewError(err.Error(), goerrors.CategoryConflict, ErrorJobBusy)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return NewError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must"):
		return NewError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = errorHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorUnauthorized
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	case goerrors.CategoryOperation:
		return ErrorDeliveryFailed
	default:
		return ErrorInternal
	}
}

func errorHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
