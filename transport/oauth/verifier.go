// Package oauth provides the two OAuth-shaped surfaces the gateway exposes
// over /mcp: a Verifier that checks bearer tokens against a remote JWKS (the
// upstream-issuer case), and an Issuer that mints self-signed tokens for
// anonymous guest sessions per RFC 8414 + RFC 7591 (spec.md §6).
package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the authenticated identity extracted from a verified bearer
// token, regardless of whether it came from an upstream issuer or this
// gateway's own anonymous Issuer.
type Principal struct {
	Subject string
}

// Authenticator verifies a bearer token string and returns its Principal.
// Both *Verifier (upstream issuer) and *Issuer (self-issued anonymous
// sessions) satisfy this.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Verifier checks bearer tokens issued by a configured upstream authorization
// server against its JWKS, refreshed on a timer the way an external identity
// provider's keys are expected to rotate.
type Verifier struct {
	issuer   string
	jwksURL  string
	cache    *jwk.Cache
}

// NewVerifier builds a Verifier for the given issuer, deriving its JWKS
// location as "<issuer>/oauth2/jwks" per spec.md §6. The initial JWKS fetch
// happens eagerly so misconfiguration surfaces at startup, not on first
// request.
func NewVerifier(ctx context.Context, issuer string) (*Verifier, error) {
	jwksURL := issuer + "/oauth2/jwks"
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("oauth: register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("oauth: fetch jwks from %s: %w", jwksURL, err)
	}
	return &Verifier{issuer: issuer, jwksURL: jwksURL, cache: cache}, nil
}

// Verify checks a bearer token's signature against the cached JWKS and its
// `iss` claim against the configured issuer. Per spec.md §6 the `sub` claim
// must be non-empty; no audience check is performed since the spec names
// none.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Principal, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return Principal{}, fmt.Errorf("oauth: fetch jwks: %w", err)
	}
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("oauth: invalid token: %w", err)
	}
	if token.Subject() == "" {
		return Principal{}, fmt.Errorf("oauth: token has empty sub claim")
	}
	return Principal{Subject: token.Subject()}, nil
}

// chain tries each Authenticator in order, returning the first success; the
// last error is returned if all fail. Lets the gateway accept both tokens
// from an upstream issuer and its own self-issued anonymous tokens.
type chain []Authenticator

// Chain combines multiple Authenticators (e.g. an upstream Verifier and a
// self-issued Issuer) into one that accepts a token from any of them. With
// zero authenticators it returns a nil Authenticator so callers (httpapi's
// bearerAuth) can tell "auth not configured" apart from "auth configured but
// rejected" and skip the check entirely instead of rejecting every request.
func Chain(authenticators ...Authenticator) Authenticator {
	var filtered []Authenticator
	for _, a := range authenticators {
		if a != nil {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return chain(filtered)
}

func (c chain) Verify(ctx context.Context, token string) (Principal, error) {
	var lastErr error
	for _, a := range c {
		if a == nil {
			continue
		}
		p, err := a.Verify(ctx, token)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("oauth: no authenticator configured")
	}
	return Principal{}, lastErr
}

// ProtectedResourceMetadata is served at
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	BearerMethods        []string `json:"bearer_methods_supported"`
}
