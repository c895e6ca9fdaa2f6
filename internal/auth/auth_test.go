package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	v := NewJWTValidator("secret")

	token, err := v.Issue("alice", "alice@example.com", RoleStudent, time.Hour)
	require.NoError(t, err)
	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.GetUserID())
	assert.False(t, claims.IsStaff())

	expired, err := v.Issue("alice", "", RoleStudent, -time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	foreign, err := NewJWTValidator("other").Issue("alice", "", RoleStudent, time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.ValidateToken(anonymous)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Sub: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.ValidateToken(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthMiddleware(t *testing.T) {
	v := NewJWTValidator("secret")
	token, err := v.Issue("bob", "", RoleInstructor, time.Hour)
	require.NoError(t, err)

	var seen *Claims
	handler := AuthMiddleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		status int
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer "+token) }, http.StatusOK},
		{"query param", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusOK},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
			tt.mutate(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "bob", seen.Sub)
				assert.True(t, seen.IsStaff())
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
			}
		})
	}
}
