package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/signalapi/signal-service/internal/model"
)

// HMAC verifies and issues HS256 tokens signed with a shared secret.
type HMAC struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// Verify implements Verifier.
func (h HMAC) Verify(ctx context.Context, token string) (model.Caller, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return h.Secret, nil
	}, parserOptions(h.Issuer, h.Audience, jwt.SigningMethodHS256.Alg())...)
	if err != nil {
		return model.Caller{}, classify(err)
	}
	if !parsed.Valid {
		return model.Caller{}, classify(errors.New("invalid token"))
	}
	return claims.Caller()
}

// Sign issues a token for caller valid for ttl.
func (h HMAC) Sign(caller model.Caller, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.Username,
			Issuer:    h.Issuer,
			Audience:  jwt.ClaimStrings{h.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, r := range caller.Roles {
		claims.Roles = append(claims.Roles, string(r))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.Secret)
}
