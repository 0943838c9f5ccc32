package oauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadOrGenerateSigningKey loads an RS256 private key from path, generating
// and persisting a fresh one if the file does not exist yet. This is what
// spec.md §6 means by "signing key is RS256 and persisted": tokens issued
// before a restart must keep verifying against the same JWKS afterward.
func LoadOrGenerateSigningKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("oauth: %s does not contain a PEM block", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("oauth: parse signing key at %s: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("oauth: read signing key at %s: %w", path, err)
	}

	key, err := GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("oauth: generate signing key: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("oauth: persist signing key to %s: %w", path, err)
	}
	return key, nil
}
