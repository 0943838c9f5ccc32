package toolsource

import (
	"context"

	"github.com/sandboxgw/core/internal/credential"
)

type credentialCtxKey struct{}

// WithCredential attaches a resolved Credential to ctx so a compiler's
// Invoke closure can apply auth material to the outbound call without the
// tools.Definition.Invoke signature needing a credential parameter of its
// own. The dispatcher resolves the credential (internal/credential.Resolver)
// before invoking and stashes it here; CompiledArtifact itself never
// carries credential material.
func WithCredential(ctx context.Context, c credential.Credential) context.Context {
	return context.WithValue(ctx, credentialCtxKey{}, c)
}

// CredentialFromContext returns the Credential attached by WithCredential,
// if any.
func CredentialFromContext(ctx context.Context) (credential.Credential, bool) {
	c, ok := ctx.Value(credentialCtxKey{}).(credential.Credential)
	return c, ok
}
