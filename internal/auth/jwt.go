// Package auth gates the WebSocket upgrade with a JWT check. It sits
// strictly outside pkg/termstream: the broker never knows a principal
// exists, only internal/httpapi consults this package.
//
// Grounded on go-server/internal/auth/jwt.go, narrowed to what an outer
// gate needs: verification and extraction, not token issuance for a
// separate user-management flow this service doesn't own.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the caller attaching to a terminal.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Manager verifies bearer tokens signed with a shared HMAC secret.
type Manager struct {
	secretKey []byte
	issuer    string
}

// NewManager builds a Manager. It does not check that secretKey is
// non-empty; internal/httpapi decides whether to call the gate from
// auth.enabled alone, not from the secret.
func NewManager(secretKey, issuer string) *Manager {
	return &Manager{secretKey: []byte(secretKey), issuer: issuer}
}

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithIssuer(m.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls a bearer token from the query string (the common case
// for a WebSocket upgrade, which can't set an Authorization header from a
// browser) or falls back to the Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}

	return "", errors.New("no token in query parameter or authorization header")
}

// Authenticate extracts and verifies the request's token in one call.
func (m *Manager) Authenticate(r *http.Request) (*Claims, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}
	return m.Verify(token)
}

// GenerateTestToken issues a short-lived token for local/dev use.
func (m *Manager) GenerateTestToken(subject string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Subject: subject,
		Role:    "user",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    m.issuer,
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}
