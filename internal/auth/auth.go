// Package auth verifies the HS256 tokens issued by the identity provider and
// turns them into a models.Caller.
package auth

import (
	"ScrapbookComments/internal/models"
	"errors"
	"fmt"
	"github.com/golang-jwt/jwt/v5"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify checks signature and expiry. A token without a subject is rejected.
func (v *Verifier) Verify(token string) (models.Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return models.Caller{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return models.Caller{ID: claims.Subject, DisplayName: claims.Name}, nil
}

// Sign issues a token for caller. Used by tests and local tooling.
func (v *Verifier) Sign(caller models.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: caller.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
