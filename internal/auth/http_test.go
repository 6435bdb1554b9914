// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and operator propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithAuth(t *testing.T, header string) (*httptest.ResponseRecorder, string, bool) {
	t.Helper()

	var operator string
	var reached bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		operator = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/daemons", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	BearerMiddleware(NewJWTVerifier(testSecret), nil)(handler).ServeHTTP(rec, req)
	return rec, operator, reached
}

func TestBearerMiddleware_ValidToken(t *testing.T) {
	token, err := NewJWTVerifier(testSecret).Generate("alice", time.Hour)
	require.NoError(t, err)

	rec, operator, reached := serveWithAuth(t, "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Equal(t, "alice", operator)
}

func TestBearerMiddleware_Rejects(t *testing.T) {
	expired, err := NewJWTVerifier(testSecret).Generate("alice", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantMsg: "invalid authorization header format"},
		{name: "empty token", header: "Bearer   ", wantMsg: "empty token"},
		{name: "garbage token", header: "Bearer nope", wantMsg: "invalid token"},
		{name: "expired token", header: "Bearer " + expired, wantMsg: "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, reached := serveWithAuth(t, tt.header)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, reached, "handler must not run")
			assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			assert.JSONEq(t, `{"error":"`+tt.wantMsg+`"}`, rec.Body.String())
		})
	}
}
