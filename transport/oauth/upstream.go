package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// upstreamMetadata is the subset of RFC 8414 discovery fields needed to
// build an oauth2.Endpoint.
type upstreamMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// FetchUpstreamEndpoint fetches the upstream authorization server's RFC 8414
// discovery document and returns its endpoint pair, so callers that need to
// act as an OAuth2 client against it (rather than merely verifying bearer
// tokens it issued) can use golang.org/x/oauth2's standard Config/Endpoint
// machinery instead of hand-rolling the authorization_code dance.
func FetchUpstreamEndpoint(ctx context.Context, discoveryURL string) (oauth2.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oauth: build discovery request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oauth: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauth2.Endpoint{}, fmt.Errorf("oauth: discovery document returned status %d", resp.StatusCode)
	}

	var meta upstreamMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("oauth: decode discovery document: %w", err)
	}
	return oauth2.Endpoint{
		AuthURL:  meta.AuthorizationEndpoint,
		TokenURL: meta.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}, nil
}
