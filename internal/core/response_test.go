package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/types"
)

func TestJSONWritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	JSON(rec, req, http.StatusOK, APIResponse{Data: map[string]string{"id": "ent_1"}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var envelope struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "ent_1", envelope.Data["id"])
}

func TestErrorMapsAppErrorToStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       types.ErrorCode
		wantStatus int
	}{
		{"validation", types.ErrCodeValidationMissingField, http.StatusBadRequest},
		{"not found", types.ErrCodeNotFoundEntitlement, http.StatusNotFound},
		{"conflict", types.ErrCodeConflictStaleState, http.StatusConflict},
		{"auth", types.ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{"upstream", types.ErrCodeUpstreamPayment, http.StatusBadGateway},
		{"internal", types.ErrCodeInternalDB, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)

			Error(rec, req, types.NewAppError(tt.code, "boom", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)

			var envelope APIErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, string(tt.code), envelope.Error.Code)
			assert.Equal(t, "boom", envelope.Error.Message)
		})
	}
}

func TestErrorUnwrapsWrappedAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	inner := types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	Error(rec, req, errors.Join(errors.New("lookup failed"), inner))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorGenericErrorReturns500WithoutDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	Error(rec, req, errors.New("pq: connection refused to 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var envelope APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), envelope.Error.Code)
	// The raw error text must never reach the client.
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestErrorIncludesRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-42"))

	Error(rec, req, types.NewAppError(types.ErrCodeValidationInvalidPeriod, "bad period", nil))

	var envelope APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "req-42", envelope.Error.RequestID)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	decode := func(body string) error {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
		rec := httptest.NewRecorder()
		var dst payload
		return DecodeJSON(rec, req, &dst)
	}

	t.Run("valid body", func(t *testing.T) {
		assert.NoError(t, decode(`{"name":"annual dues"}`))
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		err := decode(`{"name":"x","surprise":true}`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
		assert.Contains(t, appErr.Message, "unknown field")
	})

	t.Run("empty body rejected", func(t *testing.T) {
		err := decode("")
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "must not be empty")
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		err := decode(`{"name":`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	})

	t.Run("wrong field type carries field detail", func(t *testing.T) {
		err := decode(`{"name":12}`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "name", appErr.Details["field"])
	})

	t.Run("multiple JSON values rejected", func(t *testing.T) {
		err := decode(`{"name":"a"}{"name":"b"}`)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "single JSON")
	})
}

func TestDecodeJSONOversizedBody(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxRequestBodySize+1)
	body := `{"name":"` + string(big) + `"}`

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	rec := httptest.NewRecorder()
	var dst struct {
		Name string `json:"name"`
	}
	err := DecodeJSON(rec, req, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Message, "1MB")
}
