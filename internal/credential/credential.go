// Package credential resolves the authentication material a tool invocation
// needs (bearer token, API key, or basic auth) from a managed vault or a
// workspace-scoped static provider, retrying bounded exponential backoff
// while the vault reports it is not yet ready.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotFound is returned when no credential is configured for a tool
// source.
var ErrNotFound = errors.New("credential not found")

// ErrVaultNotReady is returned by a VaultReader while the backing vault is
// still warming up (e.g. unsealing, provisioning a lease). Resolve retries
// on this error; any other error is returned immediately.
var ErrVaultNotReady = errors.New("credential vault not ready")

// AuthKind enumerates the authentication schemes a Credential can carry.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "apiKey"
	AuthBasic  AuthKind = "basic"
)

// Provider identifies which backend supplies the credential's material.
type Provider string

const (
	ProviderManaged Provider = "managed"
	ProviderVault   Provider = "workos-vault"
)

// Credential is the resolved authentication material for one tool source.
type Credential struct {
	// ID is the credential_<uuid> identity.
	ID string
	// ToolSourceID scopes this credential to the tool source it
	// authenticates calls to.
	ToolSourceID string
	// Kind selects how Material should be applied to an outbound request.
	Kind AuthKind
	// Provider identifies the backend this credential was resolved from.
	Provider Provider
	// Material carries the resolved secret: a bearer token, an API key
	// value, or "user:pass" for basic auth. Never logged.
	Material string
	// ExpiresAt is when Material should be considered stale and
	// re-resolved; zero means it does not expire.
	ExpiresAt time.Time
}

// VaultReader fetches credential material from an external vault. Resolve
// retries a VaultReader call while it returns ErrVaultNotReady.
type VaultReader interface {
	Read(ctx context.Context, toolSourceID string) (Credential, error)
}

// Store persists resolved, non-expired credentials so repeated tool calls
// against the same source do not re-hit the vault.
type Store interface {
	// Load returns the cached credential for toolSourceID, or ErrNotFound.
	Load(ctx context.Context, toolSourceID string) (Credential, error)
	// Save caches a resolved credential.
	Save(ctx context.Context, c Credential) error
}

// Resolver resolves credentials, caching successful reads in Store and
// retrying VaultReader reads with bounded exponential backoff while the
// vault reports it is not yet ready.
type Resolver struct {
	store  Store
	vault  VaultReader
	newBackoff func() backoff.BackOff
}

// Options configures a Resolver.
type Options struct {
	// MaxElapsed bounds the total retry duration against a not-ready vault.
	// Defaults to 30s.
	MaxElapsed time.Duration
}

// NewResolver constructs a Resolver backed by store and vault.
func NewResolver(store Store, vault VaultReader, opts Options) *Resolver {
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &Resolver{
		store: store,
		vault: vault,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = maxElapsed
			return b
		},
	}
}

// Resolve returns a cached credential if one exists and has not expired;
// otherwise it reads from the vault, retrying with bounded exponential
// backoff while the vault reports ErrVaultNotReady, caches the result, and
// returns it.
func (r *Resolver) Resolve(ctx context.Context, toolSourceID string) (Credential, error) {
	if cached, err := r.store.Load(ctx, toolSourceID); err == nil {
		if cached.ExpiresAt.IsZero() || time.Now().Before(cached.ExpiresAt) {
			return cached, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Credential{}, err
	}

	var resolved Credential
	op := func() error {
		c, err := r.vault.Read(ctx, toolSourceID)
		if err != nil {
			if errors.Is(err, ErrVaultNotReady) {
				return err
			}
			return backoff.Permanent(err)
		}
		resolved = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(r.newBackoff(), ctx)); err != nil {
		return Credential{}, err
	}
	if err := r.store.Save(ctx, resolved); err != nil {
		return Credential{}, err
	}
	return resolved, nil
}
