package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func issueAnonToken(t *testing.T, issuer *Issuer, verifier string) string {
	t.Helper()
	code, err := issuer.Authorize("anon_client", "http://client.test/cb", pkceChallenge(verifier), "S256")
	require.NoError(t, err)
	signed, _, err := issuer.Token(context.Background(), code, "http://client.test/cb", verifier)
	require.NoError(t, err)
	return string(signed)
}

func TestIssuerVerifiesItsOwnTokensInProcess(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	token := issueAnonToken(t, issuer, "verifier-secret")

	principal, err := issuer.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Contains(t, principal.Subject, "anon_")
}

func TestIssuerRejectsTamperedToken(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	token := issueAnonToken(t, issuer, "verifier-secret")

	_, err := issuer.Verify(context.Background(), token+"tamper")
	require.Error(t, err)
}

func newTestIssuer(t *testing.T, baseURL string) *Issuer {
	t.Helper()
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	issuer, err := NewIssuer(baseURL, key)
	require.NoError(t, err)
	return issuer
}

func TestVerifierFetchesJWKSFromDerivedURL(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	issuer := newTestIssuer(t, srv.URL)
	mux.HandleFunc("/oauth2/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(issuer.JWKS()))
	})
	token := issueAnonToken(t, issuer, "verifier-secret")

	verifier, err := NewVerifier(context.Background(), srv.URL)
	require.NoError(t, err)
	principal, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Contains(t, principal.Subject, "anon_")
}

func TestVerifierRejectsTokenFromDifferentIssuer(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	issuer := newTestIssuer(t, srv.URL)
	mux.HandleFunc("/oauth2/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(issuer.JWKS()))
	})

	other := newTestIssuer(t, "https://someone-else.test")
	token := issueAnonToken(t, other, "verifier-secret")

	verifier, err := NewVerifier(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
}

func TestChainReturnsNilForNoAuthenticators(t *testing.T) {
	require.Nil(t, Chain())
	require.Nil(t, Chain(nil, nil))
}

func TestChainTriesEachAuthenticatorInOrder(t *testing.T) {
	issuerA := newTestIssuer(t, "https://a.test")
	issuerB := newTestIssuer(t, "https://b.test")
	tokenB := issueAnonToken(t, issuerB, "verifier-secret")

	chain := Chain(issuerA, issuerB)
	principal, err := chain.Verify(context.Background(), tokenB)
	require.NoError(t, err)
	require.Contains(t, principal.Subject, "anon_")
}

func TestChainFailsWhenNoAuthenticatorAccepts(t *testing.T) {
	issuerA := newTestIssuer(t, "https://a.test")
	issuerB := newTestIssuer(t, "https://b.test")
	tokenB := issueAnonToken(t, issuerB, "verifier-secret")

	chain := Chain(issuerA)
	_, err := chain.Verify(context.Background(), tokenB)
	require.Error(t, err)
}
