// Package signing signs archived decision records with Ed25519.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrBadSignature = errors.New("signature does not verify")

// Signer defines the minimal contract for creating signatures.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	signerID   string
}

// NewEd25519SignerFromB64 accepts either a 32-byte seed or a full 64-byte private key.
func NewEd25519SignerFromB64(b64Key, signerID string) (*Ed25519Signer, error) {
	if signerID == "" {
		return nil, fmt.Errorf("signer id required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("decode signer private key: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(keyBytes) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(keyBytes)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(keyBytes)
	default:
		return nil, fmt.Errorf("invalid ed25519 key length: got %d want %d or %d",
			len(keyBytes), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{privateKey: key, signerID: signerID}, nil
}

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, payload), nil
}

func (s *Ed25519Signer) SignerID() string { return s.signerID }

// PublicKeyB64 is what verifiers of the archive need to hold.
func (s *Ed25519Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.privateKey.Public().(ed25519.PublicKey))
}

func Verify(publicKeyB64 string, payload []byte, signatureB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return ErrBadSignature
	}
	return nil
}
