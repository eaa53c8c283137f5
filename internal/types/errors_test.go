package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidDID,
		Message: "Invalid DID.",
	}

	expected := "validation_invalid_did: Invalid DID."
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodeConflictWebhookExists, "already registered", nil)
	wrapped := fmt.Errorf("register: %w", appErr)

	var target *AppError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeConflictWebhookExists {
		t.Errorf("Code = %q, want %q", target.Code, ErrCodeConflictWebhookExists)
	}
}

func TestAppErrorErrorsIs(t *testing.T) {
	appErr := NewAppError(ErrCodeUpstreamDiscord, "discord failed", ErrDestinationTransient)
	if !errors.Is(appErr, ErrDestinationTransient) {
		t.Error("errors.Is should traverse AppError.Unwrap")
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidID, http.StatusBadRequest},
		{ErrCodeValidationInvalidWebhook, http.StatusBadRequest},
		{ErrCodeNotFoundWebhook, http.StatusNotFound},
		{ErrCodeConflictWebhookExists, http.StatusConflict},
		{ErrCodeUpstreamDiscord, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusServiceUnavailable},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorWithDetailsDoesNotMutate(t *testing.T) {
	orig := NewAppError(ErrCodeValidationMissingField, "missing", nil)
	orig.Details = map[string]any{"field": "id"}

	merged := orig.WithDetails(map[string]any{"hint": "snowflake"})

	if len(orig.Details) != 1 {
		t.Errorf("original details mutated: %v", orig.Details)
	}
	if merged.Details["field"] != "id" || merged.Details["hint"] != "snowflake" {
		t.Errorf("merged details = %v", merged.Details)
	}
}
