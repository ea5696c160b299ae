package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"

	"hat_reputation/pkg/security"
)

// loadOrGenerateKey loads the node identity from keyFile or generates a new
// ed25519 key there. A non-empty passphrase seals the file at rest.
func loadOrGenerateKey(keyFile string, passphrase []byte) (libp2pCrypto.PrivKey, error) {
	raw, err := os.ReadFile(keyFile)
	if errors.Is(err, os.ErrNotExist) {
		return generateKey(keyFile, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if len(passphrase) > 0 {
		if raw, err = security.OpenKey(passphrase, raw); err != nil {
			return nil, fmt.Errorf("failed to open sealed key: %w", err)
		}
	}
	priv, err := libp2pCrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	if priv.Type() != libp2pCrypto.Ed25519 {
		return nil, fmt.Errorf("key file holds a %s key, want Ed25519", priv.Type())
	}
	return priv, nil
}

func generateKey(keyFile string, passphrase []byte) (libp2pCrypto.PrivKey, error) {
	priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	keyBytes, err := libp2pCrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if len(passphrase) > 0 {
		if keyBytes, err = security.SealKey(passphrase, keyBytes); err != nil {
			return nil, fmt.Errorf("failed to seal private key: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, keyBytes, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to file: %w", err)
	}
	return priv, nil
}

// SignerFromKey derives the vote signer from the node identity, so a
// validator's account, peer ID and signing key come from one secret.
func SignerFromKey(priv libp2pCrypto.PrivKey) (*security.Signer, error) {
	if priv.Type() != libp2pCrypto.Ed25519 {
		return nil, fmt.Errorf("signer needs an Ed25519 key, got %s", priv.Type())
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("reading raw key: %w", err)
	}
	return security.NewSigner(ed25519.PrivateKey(raw))
}
