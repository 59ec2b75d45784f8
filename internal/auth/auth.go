// Package auth validates the bearer tokens presented by bulk
// submitters. Token issuance and JWKS verification happen upstream;
// this layer only checks the shared-secret signature and expiry.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the token claims this service reads. The submitter
// identity, when present, must match the identity in the request body.
type Claims struct {
	SubmitterSystem string `json:"submitter_system,omitempty"`
	SubmitterValue  string `json:"submitter_value,omitempty"`
	jwt.RegisteredClaims
}

// Service validates bearer tokens with an HS256 shared secret.
type Service struct {
	secret []byte
}

// NewService creates a token validator. An empty secret disables
// validation entirely (the middleware becomes a pass-through).
func NewService(secret string) *Service {
	if secret == "" {
		return nil
	}
	return &Service{secret: []byte(secret)}
}

// ValidateToken parses and verifies a bearer token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Sign issues a token for the given claims, used by operators and
// tests to mint credentials.
func (s *Service) Sign(claims *Claims, ttl time.Duration) (string, error) {
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
