// Package testutil provides common helpers for handler and integration tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// ErrorBody mirrors the JSON error envelope written by httputil.
type ErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Get executes a GET request against handler.
func Get(handler http.Handler, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

// DecodeJSON unmarshals the response body into T, failing the test on error.
func DecodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "failed to unmarshal response")
	return out
}
