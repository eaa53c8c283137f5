package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/types"
)

type registerBody struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestJSON_WritesStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusCreated, map[string]bool{"success": true})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestJSON_MarshalFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, map[string]any{"ch": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), decodeError(t, rec).Code)
}

func TestError_MapsAppErrorCodes(t *testing.T) {
	tests := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrCodeValidationInvalidDID, http.StatusBadRequest},
		{types.ErrCodeNotFoundWebhook, http.StatusNotFound},
		{types.ErrCodeConflictWebhookExists, http.StatusConflict},
		{types.ErrCodeUpstreamDiscord, http.StatusBadGateway},
		{types.ErrCodeInternalDB, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
			req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			wrapped := fmt.Errorf("handler: %w", types.NewAppError(tt.code, "msg", nil))
			Error(rec, req, wrapped)

			assert.Equal(t, tt.status, rec.Code)
			detail := decodeError(t, rec)
			assert.Equal(t, string(tt.code), detail.Code)
			assert.Equal(t, "msg", detail.Message)
			assert.Equal(t, "req-1", detail.RequestID)
		})
	}
}

func TestError_IncludesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewAppError(types.ErrCodeValidationInvalidID, "bad id", nil).
		WithDetails(map[string]any{"field": "id"})
	Error(rec, httptest.NewRequest(http.MethodPost, "/", nil), err)

	assert.Equal(t, "id", decodeError(t, rec).Details["field"])
}

func TestError_GenericErrorHidesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodPost, "/", nil), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), detail.Code)
	assert.NotContains(t, detail.Message, "password")
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"id":"1","token":"t"}`},
		{name: "unknown field", body: `{"id":"1","extra":true}`, wantErr: "unknown field"},
		{name: "syntax error", body: `{"id":`, wantErr: "JSON"},
		{name: "empty", body: ``, wantErr: "must not be empty"},
		{name: "type mismatch", body: `{"id":12}`, wantErr: "invalid value"},
		{name: "trailing value", body: `{"id":"1"}{"id":"2"}`, wantErr: "single JSON object"},
		{name: "too large", body: `{"id":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, wantErr: "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(tt.body))
			var dst registerBody
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)

			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, registerBody{ID: "1", Token: "t"}, dst)
				return
			}
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidBody, appErr.Code)
			assert.Contains(t, appErr.Message, tt.wantErr)
		})
	}
}
