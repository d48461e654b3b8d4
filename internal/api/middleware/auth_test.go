package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func protectedRouter(mw gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) {
		id, _ := GetUserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})
	return router
}

func get(router *gin.Engine, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if value != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	m := NewJWTManager("test-secret-key", time.Hour)
	router := protectedRouter(JWTMiddleware(m))

	token, _, err := m.GenerateToken(42)
	require.NoError(t, err)

	w := get(router, AuthorizationHeader, BearerPrefix+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":42}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(router, AuthorizationHeader, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, AuthorizationHeader, token).Code)

	w = get(router, AuthorizationHeader, BearerPrefix+"garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_FAILED")
}

func TestJWTMiddleware_Expired(t *testing.T) {
	m := NewJWTManager("test-secret-key", time.Hour)
	claims := &JWTClaims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	w := get(protectedRouter(JWTMiddleware(m)), AuthorizationHeader, BearerPrefix+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Token has expired")
}

func TestAPIKeyManager_PersistsAndResets(t *testing.T) {
	dir := t.TempDir()
	m, err := NewAPIKeyManager(dir)
	require.NoError(t, err)
	key := m.GetCurrentKey()
	assert.Len(t, key, APIKeyLength*2)

	again, err := NewAPIKeyManager(dir)
	require.NoError(t, err)
	assert.Equal(t, key, again.GetCurrentKey())

	newKey, err := m.ResetKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, newKey)
	assert.False(t, m.ValidateKey(key))
	assert.True(t, m.ValidateKey(newKey))

	router := protectedRouter(APIKeyMiddleware(m))
	assert.Equal(t, http.StatusOK, get(router, APIKeyHeader, newKey).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, APIKeyHeader, key).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, APIKeyHeader, "").Code)
}

// Property: tokens round trip their user and are bound to the signing secret
func TestProperty_JWTTokenValidation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	m := NewJWTManager("test-secret-key", time.Hour)
	other := NewJWTManager("different-secret", time.Hour)

	properties.Property("valid_jwt_token_accepted", prop.ForAll(
		func(userID uint) bool {
			token, _, err := m.GenerateToken(userID)
			if err != nil {
				return false
			}
			claims, err := m.ValidateToken(token)
			return err == nil && claims.UserID == userID
		},
		gen.UIntRange(1, 10000),
	))

	properties.Property("tokens_from_different_secrets_rejected", prop.ForAll(
		func(userID uint) bool {
			token, _, err := other.GenerateToken(userID)
			if err != nil {
				return false
			}
			_, err = m.ValidateToken(token)
			return err != nil
		},
		gen.UIntRange(1, 10000),
	))

	properties.Property("invalid_jwt_token_rejected", prop.ForAll(
		func(s string) bool {
			_, err := m.ValidateToken(s)
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
