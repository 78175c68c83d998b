package errmap

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/averla/gchatstream/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes
// for the admin API. Order matters: first match wins (via errors.Is).
//
// Channel-layer errors describe the relay's upstream connection, not the
// caller's request, so they map to gateway statuses rather than 4xx.
var httpMappings = []httpMapping{
	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

	// Validation errors
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Account linkage: the relay holds no usable credentials, so the
	// requested action cannot start until an account is linked.
	{domain.ErrNoCredentials, http.StatusConflict, "NOT_LINKED"},

	// Upstream errors
	{domain.ErrAuthFailed, http.StatusBadGateway, "UPSTREAM_AUTH"},
	{domain.ErrUntrustedHost, http.StatusBadGateway, "UNTRUSTED_HOST"},
	{domain.ErrRegistrationFailed, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
	{domain.ErrRetriesExhausted, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
	{domain.ErrNetwork, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},

	// Availability
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// WriteJSON writes err as a JSON error response body with the mapped
// status code. The status line is already sent when encoding runs, so
// an encode failure cannot be reported to the client; it is discarded.
func WriteJSON(w http.ResponseWriter, err error) {
	httpErr := ToHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.StatusCode)
	_ = json.NewEncoder(w).Encode(httpErr)
}
