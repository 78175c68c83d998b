package errmap_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/errmap"
)

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatusCode int
		wantCode       string
	}{
		// Nil error
		{"nil error", nil, http.StatusOK, ""},

		// Resource errors
		{"ErrNotFound", domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"ErrAlreadyExists", domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

		// Validation errors
		{"ErrEmptyID", domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"ErrInvalidID", domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

		// Account linkage
		{"ErrNoCredentials", domain.ErrNoCredentials, http.StatusConflict, "NOT_LINKED"},

		// Upstream errors
		{"ErrAuthFailed", domain.ErrAuthFailed, http.StatusBadGateway, "UPSTREAM_AUTH"},
		{"ErrUntrustedHost", domain.ErrUntrustedHost, http.StatusBadGateway, "UNTRUSTED_HOST"},
		{"ErrRegistrationFailed", domain.ErrRegistrationFailed, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{"ErrRetriesExhausted", domain.ErrRetriesExhausted, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{"ErrNetwork", domain.ErrNetwork, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},

		// Availability
		{"ErrUnavailable", domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},

		// Wrapped errors
		{"wrapped ErrNotFound", fmt.Errorf("revision: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"wrapped ErrAuthFailed", fmt.Errorf("listen: %w", domain.ErrAuthFailed), http.StatusBadGateway, "UPSTREAM_AUTH"},

		// Unknown errors map to Internal
		{"unknown error", fmt.Errorf("unexpected"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToHTTPError(tt.err)
			assert.Equal(t, tt.wantStatusCode, got.StatusCode, "expected status %d, got %d", tt.wantStatusCode, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.Code, "expected code %q, got %q", tt.wantCode, got.Code)
		})
	}
}

func TestToHTTPError_NeverExposesInternalDetails(t *testing.T) {
	got := errmap.ToHTTPError(fmt.Errorf("pq: connection to host 10.0.0.5 failed"))

	assert.Equal(t, "internal error", got.Message)
	assert.NotContains(t, got.Message, "10.0.0.5")
}

func TestToHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"auth failed", domain.ErrAuthFailed, http.StatusBadGateway},
		{"unavailable", domain.ErrUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToHTTPStatusCode(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPErrorImplementsError(t *testing.T) {
	httpErr := errmap.ToHTTPError(domain.ErrNotFound)
	var err error = httpErr
	assert.NotEmpty(t, err.Error())
}

func TestWriteJSON(t *testing.T) {
	t.Run("writes mapped status and body", func(t *testing.T) {
		rec := httptest.NewRecorder()

		errmap.WriteJSON(rec, fmt.Errorf("registrar: %w", domain.ErrNoCredentials))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"code":"NOT_LINKED","message":"registrar: no credentials available"}`, rec.Body.String())
	})

	t.Run("unknown errors stay opaque", func(t *testing.T) {
		rec := httptest.NewRecorder()

		errmap.WriteJSON(rec, fmt.Errorf("dial tcp: connection refused"))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"code":"INTERNAL","message":"internal error"}`, rec.Body.String())
	})
}
