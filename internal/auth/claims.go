// Package auth verifies bearer tokens and turns them into callers.
// Two verifiers exist: a JWKS-backed EdDSA verifier for deployments behind an
// identity provider, and a shared-secret HS256 verifier.
package auth

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/golang-jwt/jwt/v5"
	errordefs "github.com/signalapi/signal-service/internal/errors"
	"github.com/signalapi/signal-service/internal/model"
)

// Verifier validates a raw bearer token and returns the caller it names.
// Failures are *errordefs.Error values with an authentication code.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.Caller, error)
}

// Claims are the token claims the service reads. The subject is the username.
type Claims struct {
	Roles RoleList `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// RoleList accepts either a JSON array of role names or a single string.
type RoleList []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *RoleList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = RoleList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

// Caller converts verified claims into a caller. Unknown role names are
// ignored; a token without a subject is rejected.
func (c *Claims) Caller() (model.Caller, error) {
	if c.Subject == "" {
		return model.Caller{}, errordefs.New(errordefs.SIGNAL_JWT_INVALID, "token has no subject", "")
	}

	names := append([]string(nil), c.Roles...)
	if c.Role != "" {
		names = append(names, c.Role)
	}

	caller := model.Caller{Username: c.Subject}
	for _, name := range names {
		role, ok := model.ParseRole(name)
		if !ok || caller.HasRole(role) {
			continue
		}
		caller.Roles = append(caller.Roles, role)
	}
	return caller, nil
}

// parserOptions are the checks shared by both verifiers.
func parserOptions(issuer, audience string, methods ...string) []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(methods),
	}
}

// classify maps a jwt parse error onto the authentication error codes.
func classify(err error) *errordefs.Error {
	var e *errordefs.Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errordefs.Wrap(errordefs.SIGNAL_JWT_EXPIRED, "token expired", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errordefs.Wrap(errordefs.SIGNAL_JWT_MALFORMED, "malformed token", err)
	default:
		return errordefs.Wrap(errordefs.SIGNAL_JWT_INVALID, "invalid token", err)
	}
}
