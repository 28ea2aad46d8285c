package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

const secret = "test-secret"

func sign(t *testing.T, key string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func userClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name:   "Ada",
		Scopes: []string{"collab:moderate"},
	}
}

func TestAuthenticate(t *testing.T) {
	identity, err := Authenticate(secret, sign(t, secret, userClaims("u1")))
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
	assert.Equal(t, "Ada", identity.Name)
	assert.True(t, identity.HasScope("collab:moderate"))
	assert.False(t, identity.Anonymous)

	_, err = Authenticate(secret, sign(t, "other-secret", userClaims("u1")))
	assert.True(t, errs.Is(err, errs.KindUnauthorized))

	expired := userClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = Authenticate(secret, sign(t, secret, expired))
	assert.True(t, errs.Is(err, errs.KindUnauthorized))

	_, err = Authenticate(secret, sign(t, secret, userClaims("")))
	assert.True(t, errs.Is(err, errs.KindUnauthorized))

	_, err = Authenticate(secret, "")
	assert.True(t, errs.Is(err, errs.KindUnauthorized))
}

func TestAuthMiddleware(t *testing.T) {
	var seen string
	h := Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentity(r.Context())
		require.True(t, ok)
		seen = identity.UserID
		w.WriteHeader(http.StatusNoContent)
	}))
	token := sign(t, secret, userClaims("u1"))

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer header", "Bearer " + token, "", http.StatusNoContent},
		{"query token", "", "?token=" + token, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, "u1", seen)
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body["code"])
		})
	}
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var fromCtx string
	h := Logging(logger.NewNop())(Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = GetCorrelationID(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, userClaims("u1")))
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "corr-1", fromCtx)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserRateLimit(t *testing.T) {
	h := Auth(secret)(UserRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	do := func(sub string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, secret, userClaims(sub)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("u1"))
	assert.Equal(t, http.StatusOK, do("u1"))
	assert.Equal(t, http.StatusTooManyRequests, do("u1"))
	assert.Equal(t, http.StatusOK, do("u2"), "limits are per user")
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateCommentText("looks good"))
	assert.Error(t, ValidateCommentText(""))
	assert.Error(t, ValidateCommentText(string([]byte{0xff, 0xfe})))

	assert.NoError(t, ValidateID("session", "0190b6c4-3b1e-7c3a-9d6f-5a2b1c0d9e8f"))
	err := ValidateID("session", "not-a-uuid")
	assert.True(t, errs.Is(err, errs.KindValidation))

	assert.NoError(t, ValidateName("Draft review"))
	assert.Error(t, ValidateName(string(make([]byte, 300))))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
