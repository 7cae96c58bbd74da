// Package auth validates bearer tokens against a JWKS endpoint and derives
// the caller's retrieval filters from token claims. The filters it produces
// are sealed into the run state before the pipeline starts.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims is the token material the server cares about.
type Claims struct {
	Subject  string
	TenantID string
	ACLLabel string
}

// JWTValidator validates tokens with a cached JWKS keyset.
type JWTValidator struct {
	jwksURL  string
	issuer   string
	audience string
	cache    *jwk.Cache
	cancel   context.CancelFunc
}

// NewJWTValidator creates a validator and primes the JWKS cache.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTValidator{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		cache:    cache,
		cancel:   cancel,
	}, nil
}

// ValidateToken parses and validates a bearer token and extracts claims.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch keyset: %w", err)
	}

	options := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), options...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims := &Claims{Subject: token.Subject()}
	if tenant, ok := token.Get("tenant_id"); ok {
		claims.TenantID, _ = tenant.(string)
	}
	if label, ok := token.Get("acl_label"); ok {
		claims.ACLLabel, _ = label.(string)
	}
	return claims, nil
}

// Filters renders the claims as retrieval filters. Only present claims
// contribute keys.
func (c *Claims) Filters() map[string]any {
	filters := make(map[string]any)
	if c.TenantID != "" {
		filters["tenant_id"] = c.TenantID
	}
	if c.ACLLabel != "" {
		filters["acl_label"] = c.ACLLabel
	}
	return filters
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	v.cancel()
}
