// Package service holds the operator-facing auth used by the admin
// endpoints.
package service

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/pbkdf2"
)

// tokenSubject marks tokens minted here; foreign tokens signed with a
// leaked secret for another purpose stay invalid.
const tokenSubject = "mpc-admin"

const expireDuration = 7 * 24 * time.Hour

type Claims struct {
	jwt.StandardClaims
}

type AuthService struct {
	JWTSecret []byte
}

func NewAuthService(secret string) *AuthService {
	// stretch the configured secret so a short operator passphrase does
	// not become the raw HMAC key
	return &AuthService{
		JWTSecret: pbkdf2.Key([]byte(secret), []byte(tokenSubject), 4096, 32, sha256.New),
	}
}

func (a *AuthService) GenerateToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   tokenSubject,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(expireDuration).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.JWTSecret)
}

func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	if claims.Subject != tokenSubject {
		return nil, errors.New("invalid token subject")
	}
	return claims, nil
}

func (a *AuthService) RefreshToken(oldToken string) (string, error) {
	if _, err := a.ValidateToken(oldToken); err != nil {
		return "", err
	}
	return a.GenerateToken()
}
