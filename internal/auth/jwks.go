package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/signalapi/signal-service/internal/model"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key
}

// JWKSVerifier verifies EdDSA tokens against keys published at a JWKS URL.
type JWKSVerifier struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	cacheTTL   time.Duration
	minRefresh time.Duration // Minimum gap between forced refetches

	mu         sync.RWMutex
	jwks       *JWKS
	expiresAt  time.Time
	lastForced time.Time
}

// NewJWKSVerifier creates a verifier that caches the key set for five minutes.
func NewJWKSVerifier(jwksURL, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cacheTTL:   5 * time.Minute,
		minRefresh: time.Minute,
	}
}

// fetchJWKS fetches the JWKS from the identity provider
func (v *JWKSVerifier) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed.
// force skips the cache, used once when a kid is unknown after a key rotation.
// Forced refetches happen at most once per minRefresh; in between the cached
// set is returned.
func (v *JWKSVerifier) getJWKS(ctx context.Context, force bool) (*JWKS, error) {
	if !force {
		v.mu.RLock()
		if v.jwks != nil && time.Now().Before(v.expiresAt) {
			jwks := v.jwks
			v.mu.RUnlock()
			return jwks, nil
		}
		v.mu.RUnlock()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock
	if !force && v.jwks != nil && time.Now().Before(v.expiresAt) {
		return v.jwks, nil
	}
	if force && v.jwks != nil && time.Since(v.lastForced) < v.minRefresh {
		return v.jwks, nil
	}

	jwks, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	if force {
		v.lastForced = time.Now()
	}
	v.jwks = jwks
	v.expiresAt = time.Now().Add(v.cacheTTL)
	return jwks, nil
}

// publicKey returns the Ed25519 key published under kid
func (v *JWKSVerifier) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	for _, force := range []bool{false, true} {
		jwks, err := v.getJWKS(ctx, force)
		if err != nil {
			return nil, err
		}
		for _, key := range jwks.Keys {
			if key.Kid != kid {
				continue
			}
			if key.Kty != "OKP" || key.Crv != "Ed25519" || (key.Alg != "" && key.Alg != "EdDSA") {
				return nil, errors.New("unsupported key type or algorithm")
			}
			x, err := base64.RawURLEncoding.DecodeString(key.X)
			if err != nil || len(x) != ed25519.PublicKeySize {
				return nil, errors.New("failed to decode public key")
			}
			return ed25519.PublicKey(x), nil
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// Verify implements Verifier.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (model.Caller, error) {
	claims := &Claims{}
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing or invalid kid in JWT header")
		}
		return v.publicKey(ctx, kid)
	}

	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc,
		parserOptions(v.issuer, v.audience, jwt.SigningMethodEdDSA.Alg())...)
	if err != nil {
		return model.Caller{}, classify(err)
	}
	if !parsed.Valid {
		return model.Caller{}, classify(errors.New("invalid token"))
	}
	return claims.Caller()
}
