package transport

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edulure/go-relay/core"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// StatusError classifies a non-2xx response into a rich error. It returns nil
// for successful status codes.
func StatusError(operation string, res core.TransportResponse) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	category := goerrors.CategoryExternal
	code := http.StatusBadGateway
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		category, code = goerrors.CategoryAuth, http.StatusUnauthorized
	case res.StatusCode == http.StatusForbidden:
		category, code = goerrors.CategoryAuthz, http.StatusForbidden
	case res.StatusCode == http.StatusTooManyRequests:
		category, code = goerrors.CategoryRateLimit, http.StatusTooManyRequests
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		category, code = goerrors.CategoryBadInput, http.StatusBadRequest
	}
	return transportError(
		operation+": unexpected status "+http.StatusText(res.StatusCode),
		category,
		code,
		map[string]any{
			"status_code": res.StatusCode,
			"body":        truncateBody(res.Body, 512),
		},
	)
}

func truncateBody(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return core.ErrorUnauthorized
	case goerrors.CategoryRateLimit:
		return core.ErrorRateLimited
	case goerrors.CategoryOperation:
		return core.ErrorDeliveryFailed
	case goerrors.CategoryExternal:
		return core.ErrorExternalFailure
	default:
		return core.ErrorInternal
	}
}
