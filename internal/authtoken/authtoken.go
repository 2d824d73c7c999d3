// Package authtoken mints and verifies the bearer token the refresh API
// requires (spec §6.3 "Authenticated by a shared bearer token"). The token
// is an HMAC-signed JWT rather than a bare shared secret, following the
// teacher's internal/auth/middleware.AuthService pattern, so the token
// carries its own expiry and can be rotated without touching the secret
// every caller is configured with.
package authtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any signature, expiry, or claim failure.
var ErrInvalidToken = errors.New("authtoken: invalid or expired token")

type claims struct {
	jwt.RegisteredClaims
}

// Issuer mints and verifies tokens against a single shared HMAC secret
// (spec §6.4 environment: no per-caller credential store).
type Issuer struct {
	secret []byte
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Mint issues a bearer token for subject (typically "scheduler" or
// "dashboard") valid for ttl.
func (i *Issuer) Mint(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "vespa-sync-refresh",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return t.SignedString(i.secret)
}

// Verify checks a bearer token's signature and expiry.
func (i *Issuer) Verify(token string) error {
	_, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil {
		return ErrInvalidToken
	}
	return nil
}
