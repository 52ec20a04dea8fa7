// Package apikey issues and verifies scoped inbound API credentials handed to
// deployment providers so their callbacks can authenticate against the engine.
package apikey

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims defines the API key payload.
type Claims struct {
	ProjectID string `json:"project_id"`
	Provider  string `json:"provider,omitempty"`
	jwtlib.RegisteredClaims
}

// Issuer mints and validates project-scoped API keys.
type Issuer struct {
	secret string
	ttl    time.Duration
}

// NewIssuer constructs an Issuer with the signing secret and key lifetime.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue returns a signed key for the project/provider pair together with a
// bcrypt hash suitable for at-rest storage.
func (i *Issuer) Issue(projectID, provider string) (token string, hash string, err error) {
	if projectID == "" {
		return "", "", errors.New("project id required")
	}
	now := time.Now()
	claims := Claims{
		ProjectID: projectID,
		Provider:  provider,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "siteforge",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(i.secret))
	if err != nil {
		return "", "", err
	}
	digest, err := bcrypt.GenerateFromPassword(fingerprint(signed), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return signed, string(digest), nil
}

// Parse validates a key and extracts its claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(i.secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Matches reports whether the presented key corresponds to the stored hash.
func Matches(hash string, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), fingerprint(token)) == nil
}

// fingerprint shortens tokens below the bcrypt input limit while keeping them
// collision resistant enough for hash comparison.
func fingerprint(token string) []byte {
	if len(token) <= 72 {
		return []byte(token)
	}
	return []byte(token[len(token)-72:])
}
