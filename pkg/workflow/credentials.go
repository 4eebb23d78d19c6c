package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredentials is returned when a credentials token cannot be verified.
var ErrInvalidCredentials = errors.New("invalid credentials token")

// DefaultTokenTTL is the lifetime of a signed credentials token.
const DefaultTokenTTL = 5 * time.Minute

// CredentialClaims identify the role the gateway assumes when calling the
// engine.
type CredentialClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SignCredentials issues an HS256 token naming role.
func SignCredentials(key []byte, issuer, role string, ttl time.Duration, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty signing key", ErrInvalidCredentials)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := CredentialClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   role,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign credentials: %w", err)
	}
	return token, nil
}

// VerifyCredentials validates a bearer token and returns its claims.
func VerifyCredentials(key []byte, tokenStr string) (*CredentialClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenStr), "Bearer "))
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidCredentials)
	}

	claims := &CredentialClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if !token.Valid || claims.Role == "" {
		return nil, fmt.Errorf("%w: no role", ErrInvalidCredentials)
	}
	return claims, nil
}
