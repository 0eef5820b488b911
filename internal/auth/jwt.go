// Package auth verifies the handshake token issued by the external auth
// service and extracts the principal behind a connection.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/provider-matching/internal/models"
)

// Verifier turns a handshake token into a Principal. The production
// implementation checks an HS256 JWT; tests substitute a stub.
type Verifier interface {
	Verify(token string) (models.Principal, error)
}

// JWTVerifier validates HS256 tokens carrying "id" and "role" claims, the
// shape the marketplace's auth service issues.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (models.Principal, error) {
	if token == "" {
		return models.Principal{}, fmt.Errorf("missing token: %w", models.ErrAuthentication)
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Principal{}, fmt.Errorf("invalid token: %w", models.ErrAuthentication)
	}

	id, _ := claims["id"].(string)
	role, _ := claims["role"].(string)
	if id == "" {
		return models.Principal{}, fmt.Errorf("token missing id claim: %w", models.ErrAuthentication)
	}
	switch models.Role(role) {
	case models.RoleCustomer, models.RoleProvider:
	default:
		return models.Principal{}, fmt.Errorf("token role %q: %w", role, models.ErrAuthentication)
	}
	return models.Principal{ID: id, Role: models.Role(role)}, nil
}
