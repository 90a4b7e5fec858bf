package service_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/service"
)

func TestGenerateToken(t *testing.T) {
	authService := service.NewAuthService("secret-key-for-testing")
	token, err := authService.GenerateToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := authService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "mpc-admin", claims.Subject)
	assert.True(t, claims.ExpiresAt > time.Now().Unix())
}

func TestValidateToken(t *testing.T) {
	secret := "test-secret-key"
	signingKey := service.NewAuthService(secret).JWTSecret

	signed := func(t *testing.T, claims *jwt.StandardClaims, key interface{}, method jwt.SigningMethod) string {
		t.Helper()
		token := jwt.NewWithClaims(method, claims)
		tokenString, err := token.SignedString(key)
		require.NoError(t, err)
		return tokenString
	}

	testCases := []struct {
		name        string
		setupToken  func(t *testing.T) string
		secret      string
		shouldError bool
	}{
		{
			name: "Valid token",
			setupToken: func(t *testing.T) string {
				auth := service.NewAuthService(secret)
				token, err := auth.GenerateToken()
				require.NoError(t, err)
				return token
			},
			secret: secret,
		},
		{
			name: "Expired token",
			setupToken: func(t *testing.T) string {
				return signed(t, &jwt.StandardClaims{
					Subject:   "mpc-admin",
					ExpiresAt: time.Now().Add(-1 * time.Hour).Unix(),
				}, signingKey, jwt.SigningMethodHS256)
			},
			secret:      secret,
			shouldError: true,
		},
		{
			name: "Unsigned token",
			setupToken: func(t *testing.T) string {
				return signed(t, &jwt.StandardClaims{
					Subject:   "mpc-admin",
					ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
				}, jwt.UnsafeAllowNoneSignatureType, jwt.SigningMethodNone)
			},
			secret:      secret,
			shouldError: true,
		},
		{
			name: "Wrong secret",
			setupToken: func(t *testing.T) string {
				auth := service.NewAuthService("wrong-secret-key")
				token, err := auth.GenerateToken()
				require.NoError(t, err)
				return token
			},
			secret:      secret,
			shouldError: true,
		},
		{
			name: "Foreign subject",
			setupToken: func(t *testing.T) string {
				return signed(t, &jwt.StandardClaims{
					Subject:   "some-other-service",
					ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
				}, signingKey, jwt.SigningMethodHS256)
			},
			secret:      secret,
			shouldError: true,
		},
		{
			// the HMAC key is stretched from the secret, so signing with
			// the raw secret bytes must not produce a valid token
			name: "Raw secret as signing key",
			setupToken: func(t *testing.T) string {
				return signed(t, &jwt.StandardClaims{
					Subject:   "mpc-admin",
					ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
				}, []byte(secret), jwt.SigningMethodHS256)
			},
			secret:      secret,
			shouldError: true,
		},
		{
			name: "Malformed token",
			setupToken: func(t *testing.T) string {
				return "not-a-valid-token"
			},
			secret:      secret,
			shouldError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tokenString := tc.setupToken(t)
			authService := service.NewAuthService(tc.secret)

			claims, err := authService.ValidateToken(tokenString)

			if tc.shouldError {
				assert.Error(t, err)
				assert.Nil(t, claims)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, claims)
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	secret := "refresh-test-secret"
	authService := service.NewAuthService(secret)

	token, err := authService.GenerateToken()
	require.NoError(t, err)

	newToken, err := authService.RefreshToken(token)
	require.NoError(t, err)
	assert.NotEmpty(t, newToken)

	claims, err := authService.ValidateToken(newToken)
	require.NoError(t, err)
	assert.Equal(t, "mpc-admin", claims.Subject)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.StandardClaims{
		Subject:   "mpc-admin",
		ExpiresAt: time.Now().Add(-1 * time.Hour).Unix(),
	})
	expiredStr, err := expired.SignedString(authService.JWTSecret)
	require.NoError(t, err)

	_, err = authService.RefreshToken(expiredStr)
	assert.Error(t, err)
}
