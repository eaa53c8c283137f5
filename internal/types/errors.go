package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
// The prefix of the code decides its HTTP status.
type ErrorCode string

const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidBody    ErrorCode = "validation_invalid_body"
	ErrCodeValidationInvalidID      ErrorCode = "validation_invalid_webhook_id"
	ErrCodeValidationInvalidDID     ErrorCode = "validation_invalid_did"
	ErrCodeValidationInvalidWebhook ErrorCode = "validation_invalid_webhook"

	// Not Found (404)
	ErrCodeNotFoundWebhook ErrorCode = "not_found_webhook"

	// Conflict (409)
	ErrCodeConflictWebhookExists ErrorCode = "conflict_webhook_exists"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamDiscord     ErrorCode = "upstream_discord_unavailable"
	ErrCodeUpstreamBluesky     ErrorCode = "upstream_bluesky_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its HTTP status code.
// Unknown codes map to 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case c == ErrCodeUpstreamRateLimited:
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the error type returned to API clients. Handlers translate any
// AppError in an error chain into a JSON error envelope.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{Code: e.Code, Message: e.Message, Err: e.Err, Details: merged}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Pipeline error taxonomy. None of these escape the stream consumer; they are
// classified and logged at the level where they occur.
var (
	// ErrMalformedFacetOffset means a facet's byte range could not be mapped
	// onto character boundaries of the post text. The facet is skipped.
	ErrMalformedFacetOffset = errors.New("malformed facet byte offset")

	// ErrProfileUnavailable means the author profile lookup failed. Display
	// fields degrade to the raw DID.
	ErrProfileUnavailable = errors.New("profile unavailable")

	// ErrDestinationRateLimited is returned for an HTTP 429 from the webhook.
	ErrDestinationRateLimited = errors.New("destination rate limited")

	// ErrDestinationGone is returned for an HTTP 404 from the webhook.
	ErrDestinationGone = errors.New("destination gone")

	// ErrDestinationTransient covers every other failed delivery.
	ErrDestinationTransient = errors.New("destination transient failure")
)
