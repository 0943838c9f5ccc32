package preparedspec

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// RawFetcher performs the actual network fetch of a spec document; an
// *http.Client satisfies it via the HTTPFetcher adapter below.
type RawFetcher interface {
	Fetch(ctx context.Context, specURL string) ([]byte, error)
}

// HTTPFetcher is the default RawFetcher: a plain GET of specURL.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch issues a GET request for specURL and returns the response body.
func (f HTTPFetcher) Fetch(ctx context.Context, specURL string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("preparedspec fetch %s: build request: %w", specURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preparedspec fetch %s: %w", specURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("preparedspec fetch %s: status %d", specURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("preparedspec fetch %s: read body: %w", specURL, err)
	}
	return body, nil
}

// CachedFetcher satisfies openapi.SpecFetcher: it consults the Prepared-
// Spec Cache before falling through to RawFetcher, and writes the result
// back on a miss. This is the one place the two caches named in §4.3/§4.4
// meet: the Workspace Tool Cache rebuild calls the OpenAPI compiler, whose
// SpecFetcher collaborator is this type.
type CachedFetcher struct {
	store *Store
	raw   RawFetcher
}

// NewCachedFetcher constructs a CachedFetcher. raw defaults to HTTPFetcher.
func NewCachedFetcher(store *Store, raw RawFetcher) *CachedFetcher {
	if raw == nil {
		raw = HTTPFetcher{}
	}
	return &CachedFetcher{store: store, raw: raw}
}

// Fetch returns the cached document for specURL when present and fresh,
// otherwise fetches it, stores it (best-effort), and returns it.
func (f *CachedFetcher) Fetch(ctx context.Context, specURL string) ([]byte, error) {
	if doc, ok, err := f.store.Get(ctx, specURL); err == nil && ok {
		return doc, nil
	}
	doc, err := f.raw.Fetch(ctx, specURL)
	if err != nil {
		return nil, err
	}
	if err := f.store.Put(ctx, specURL, doc); err != nil {
		// Best-effort: a failed cache write never fails the fetch itself.
		_ = err
	}
	return doc, nil
}
