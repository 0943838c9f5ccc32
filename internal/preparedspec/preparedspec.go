// Package preparedspec is the cache of OpenAPI documents fetched by URL. Re-fetching and re-parsing a large spec on every
// workspace-tools rebuild is wasteful; this cache stores the raw document
// bytes keyed by (specUrl, schemaVersion) with an age-bounded lookup.
package preparedspec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is bumped whenever Record's shape changes; Get treats a
// stored record with a mismatched version as a miss rather than attempting
// to decode it.
const SchemaVersion = 1

// DefaultMaxAge is the default staleness bound: a record older than this is
// a miss even though it is still present in the backing Map.
const DefaultMaxAge = 5 * time.Hour

// Record is the cached value: the raw document bytes plus enough metadata
// to judge staleness and report size.
type Record struct {
	SpecURL       string    `json:"specUrl"`
	SchemaVersion int       `json:"schemaVersion"`
	Document      []byte    `json:"document"`
	SizeBytes     int       `json:"sizeBytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Map is the minimal key/value collaborator the cache is built on. Racing
// writers to the same key are expected and tolerated: Set reports the value
// it displaced so the caller can best-effort account for it, but callers
// never need the previous value to behave correctly, since overwriting the
// same key already discards the prior blob.
type Map interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) (previous []byte, err error)
	Delete(ctx context.Context, key string) ([]byte, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store is the Prepared-Spec Cache.
type Store struct {
	m      Map
	maxAge time.Duration
}

// New constructs a Store backed by m. maxAge <= 0 uses DefaultMaxAge.
func New(m Map, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{m: m, maxAge: maxAge}
}

func key(specURL string) string {
	return fmt.Sprintf("preparedspec:v%d:%s", SchemaVersion, specURL)
}

const keyPrefix = "preparedspec:v"

// Get returns the prepared document for specURL iff a record exists, its
// schema version matches, and it is no older than the store's maxAge.
// Any other condition (missing, version mismatch, stale) is reported as a
// plain miss, never an error the caller must special-case.
func (s *Store) Get(ctx context.Context, specURL string) ([]byte, bool, error) {
	raw, ok, err := s.m.Get(ctx, key(specURL))
	if err != nil {
		return nil, false, fmt.Errorf("preparedspec get %s: %w", specURL, err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, nil
	}
	if rec.SchemaVersion != SchemaVersion {
		return nil, false, nil
	}
	if time.Since(rec.CreatedAt) > s.maxAge {
		return nil, false, nil
	}
	return rec.Document, true, nil
}

// Put stores document for specURL, replacing any prior entry for the same
// key. The displaced blob needs no separate deletion: it shares the key
// with the new entry and the Map overwrite already discards it.
func (s *Store) Put(ctx context.Context, specURL string, document []byte) error {
	rec := Record{
		SpecURL:       specURL,
		SchemaVersion: SchemaVersion,
		Document:      document,
		SizeBytes:     len(document),
		CreatedAt:     time.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("preparedspec put %s: encode record: %w", specURL, err)
	}
	if _, err := s.m.Set(ctx, key(specURL), raw); err != nil {
		return fmt.Errorf("preparedspec put %s: %w", specURL, err)
	}
	return nil
}

// Prune deletes up to limit entries older than the store's maxAge. Bounded
// per call so a large backlog is worked off incrementally rather than in
// one long-running sweep.
func (s *Store) Prune(ctx context.Context, limit int) (int, error) {
	keys, err := s.m.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("preparedspec prune: list keys: %w", err)
	}
	deleted := 0
	for _, k := range keys {
		if deleted >= limit {
			break
		}
		raw, ok, err := s.m.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if time.Since(rec.CreatedAt) <= s.maxAge {
			continue
		}
		if _, err := s.m.Delete(ctx, k); err == nil {
			deleted++
		}
	}
	return deleted, nil
}
