package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// AuthCodeTTL is how long a one-time authorization code issued by /authorize
// remains redeemable, per spec.md §6.
const AuthCodeTTL = 120 * time.Second

// AnonTokenTTL is the lifetime of the self-signed JWT handed back by
// /token, per spec.md §6.
const AnonTokenTTL = 24 * time.Hour

var (
	// ErrInvalidGrant covers any /token failure: unknown/expired code, PKCE
	// mismatch, or redirect_uri mismatch. Kept generic, as RFC 6749 expects,
	// so callers cannot probe which part was wrong.
	ErrInvalidGrant = errors.New("oauth: invalid_grant")
)

// ClientRegistration is what RFC 7591 dynamic registration returns.
type ClientRegistration struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
}

type authCode struct {
	clientID            string
	redirectURI         string
	codeChallenge       string
	codeChallengeMethod string
	expiresAt           time.Time
}

// Issuer is a minimal self-issued OAuth authorization server for anonymous
// guest sessions: it auto-approves every /authorize request, binds the
// resulting code to a PKCE challenge, and on redemption mints a self-signed
// JWT identifying the session as "anon_<uuid>".
type Issuer struct {
	baseURL string
	key     jwk.Key
	pub     jwk.Key
	kid     string

	mu      sync.Mutex
	clients map[string]ClientRegistration
	codes   map[string]authCode
}

// NewIssuer builds an Issuer around an RS256 signing key. signingKey must be
// persisted by the caller across restarts (spec.md §6: "signing key is RS256
// and persisted") so previously-issued tokens keep verifying against the
// JWKS this Issuer serves.
func NewIssuer(baseURL string, signingKey *rsa.PrivateKey) (*Issuer, error) {
	key, err := jwk.FromRaw(signingKey)
	if err != nil {
		return nil, fmt.Errorf("oauth: wrap signing key: %w", err)
	}
	kid := uuid.NewString()
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("oauth: set kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("oauth: set alg: %w", err)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("oauth: derive public key: %w", err)
	}
	if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("oauth: set use: %w", err)
	}
	return &Issuer{
		baseURL: baseURL,
		key:     key,
		pub:     pub,
		kid:     kid,
		clients: make(map[string]ClientRegistration),
		codes:   make(map[string]authCode),
	}, nil
}

// GenerateSigningKey produces a fresh RSA key suitable for NewIssuer, for
// first-run bootstrapping before a persisted key exists.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// AuthorizationServerMetadata is served at
// /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Metadata returns this issuer's RFC 8414 discovery document.
func (is *Issuer) Metadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            is.baseURL,
		AuthorizationEndpoint:             is.baseURL + "/authorize",
		TokenEndpoint:                     is.baseURL + "/token",
		JWKSURI:                           is.baseURL + "/oauth2/jwks",
		RegistrationEndpoint:              is.baseURL + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// JWKS returns the public half of the signing key as a JWK set, for
// /oauth2/jwks.
func (is *Issuer) JWKS() jwk.Set {
	set := jwk.NewSet()
	_ = set.AddKey(is.pub)
	return set
}

// Register implements RFC 7591 dynamic client registration; every anonymous
// client is accepted unconditionally.
func (is *Issuer) Register(redirectURIs []string) ClientRegistration {
	reg := ClientRegistration{
		ClientID:     "anon_client_" + uuid.NewString(),
		RedirectURIs: redirectURIs,
	}
	is.mu.Lock()
	is.clients[reg.ClientID] = reg
	is.mu.Unlock()
	return reg
}

// Authorize auto-approves an authorization request and mints a one-time
// code bound to the given PKCE challenge, valid for AuthCodeTTL.
func (is *Issuer) Authorize(clientID, redirectURI, codeChallenge, codeChallengeMethod string) (code string, err error) {
	if codeChallengeMethod != "S256" {
		return "", fmt.Errorf("oauth: unsupported code_challenge_method %q", codeChallengeMethod)
	}
	code = "code_" + uuid.NewString()
	is.mu.Lock()
	is.codes[code] = authCode{
		clientID:            clientID,
		redirectURI:         redirectURI,
		codeChallenge:       codeChallenge,
		codeChallengeMethod: codeChallengeMethod,
		expiresAt:           time.Now().Add(AuthCodeTTL),
	}
	is.mu.Unlock()
	return code, nil
}

// Token redeems a one-time authorization code for a self-signed anonymous
// JWT, verifying the PKCE code_verifier against the challenge bound at
// /authorize time.
func (is *Issuer) Token(ctx context.Context, code, redirectURI, codeVerifier string) (signed []byte, expiresIn int64, err error) {
	is.mu.Lock()
	ac, ok := is.codes[code]
	if ok {
		delete(is.codes, code)
	}
	is.mu.Unlock()
	if !ok || time.Now().After(ac.expiresAt) {
		return nil, 0, ErrInvalidGrant
	}
	if ac.redirectURI != redirectURI {
		return nil, 0, ErrInvalidGrant
	}
	if !verifyPKCE(ac.codeChallenge, codeVerifier) {
		return nil, 0, ErrInvalidGrant
	}

	sub := "anon_" + uuid.NewString()
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(is.baseURL).
		Subject(sub).
		IssuedAt(now).
		Expiration(now.Add(AnonTokenTTL)).
		Build()
	if err != nil {
		return nil, 0, fmt.Errorf("oauth: build token: %w", err)
	}
	signed, err = jwt.Sign(token, jwt.WithKey(jwa.RS256, is.key))
	if err != nil {
		return nil, 0, fmt.Errorf("oauth: sign token: %w", err)
	}
	return signed, int64(AnonTokenTTL.Seconds()), nil
}

// Verify checks a bearer token issued by this same Issuer, entirely
// in-process against its own signing key rather than over HTTP — used so
// the gateway can authenticate its own anonymous sessions without a
// self-referential JWKS fetch at startup.
func (is *Issuer) Verify(ctx context.Context, tokenString string) (Principal, error) {
	token, err := jwt.Parse([]byte(tokenString),
		jwt.WithKeySet(is.JWKS()),
		jwt.WithValidate(true),
		jwt.WithIssuer(is.baseURL),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("oauth: invalid token: %w", err)
	}
	if token.Subject() == "" {
		return Principal{}, fmt.Errorf("oauth: token has empty sub claim")
	}
	return Principal{Subject: token.Subject()}, nil
}

func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
