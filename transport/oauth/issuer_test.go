package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterReturnsUniqueClientIDs(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	a := issuer.Register([]string{"http://client.test/a"})
	b := issuer.Register([]string{"http://client.test/b"})
	require.NotEqual(t, a.ClientID, b.ClientID)
}

func TestAuthorizeRejectsNonS256Challenge(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	_, err := issuer.Authorize("client", "http://client.test/cb", "challenge", "plain")
	require.Error(t, err)
}

func TestTokenRejectsUnknownCode(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	_, _, err := issuer.Token(context.Background(), "code_does_not_exist", "http://client.test/cb", "verifier")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenRejectsMismatchedVerifier(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	code, err := issuer.Authorize("client", "http://client.test/cb", pkceChallenge("correct-verifier"), "S256")
	require.NoError(t, err)

	_, _, err = issuer.Token(context.Background(), code, "http://client.test/cb", "wrong-verifier")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenRejectsMismatchedRedirectURI(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	code, err := issuer.Authorize("client", "http://client.test/cb", pkceChallenge("verifier"), "S256")
	require.NoError(t, err)

	_, _, err = issuer.Token(context.Background(), code, "http://client.test/other", "verifier")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenIsOneTimeUse(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	code, err := issuer.Authorize("client", "http://client.test/cb", pkceChallenge("verifier"), "S256")
	require.NoError(t, err)

	_, _, err = issuer.Token(context.Background(), code, "http://client.test/cb", "verifier")
	require.NoError(t, err)

	_, _, err = issuer.Token(context.Background(), code, "http://client.test/cb", "verifier")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestMetadataAdvertisesS256AndAuthorizationCode(t *testing.T) {
	issuer := newTestIssuer(t, "https://gateway.test")
	meta := issuer.Metadata()
	require.Equal(t, "https://gateway.test", meta.Issuer)
	require.Equal(t, "https://gateway.test/authorize", meta.AuthorizationEndpoint)
	require.Equal(t, "https://gateway.test/token", meta.TokenEndpoint)
	require.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
	require.Contains(t, meta.GrantTypesSupported, "authorization_code")
}
