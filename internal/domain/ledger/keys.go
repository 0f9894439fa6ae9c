// Package ledger holds the identity and amount primitives shared with the ledger.
package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	// PublicKeyLength is the byte size of an account address.
	PublicKeyLength = 32
	// SignatureLength is the byte size of a transaction signature.
	SignatureLength = 64
)

// PublicKey is a 32-byte account address rendered as base58.
type PublicKey [PublicKeyLength]byte

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key %q: %w", s, err)
	}
	if len(raw) != PublicKeyLength {
		return pk, fmt.Errorf("public key %q: expected %d bytes, got %d", s, PublicKeyLength, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey parses s and panics on failure. Intended for constants and tests.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

// IsOnCurve reports whether the key is a valid ed25519 point. Program derived
// addresses are deliberately off-curve.
func (pk PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Signature is a 64-byte transaction signature, also used as the ledger transaction id.
type Signature [SignatureLength]byte

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != SignatureLength {
		return sig, fmt.Errorf("signature: expected %d bytes, got %d", SignatureLength, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

func (s Signature) String() string { return base58.Encode(s[:]) }

// Keypair is an ed25519 signing identity.
type Keypair struct {
	private ed25519.PrivateKey
}

// NewKeypair generates a fresh random keypair.
func NewKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{private: priv}, nil
}

// KeypairFromBase58 decodes a 64-byte base58 secret key.
func KeypairFromBase58(secret string) (Keypair, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return Keypair{}, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("secret key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return Keypair{private: ed25519.PrivateKey(raw)}, nil
}

// PublicKey returns the address of the keypair.
func (k Keypair) PublicKey() PublicKey {
	var pk PublicKey
	if len(k.private) == ed25519.PrivateKeySize {
		copy(pk[:], k.private.Public().(ed25519.PublicKey))
	}
	return pk
}

// Sign signs message with the private key.
func (k Keypair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, message))
	return sig
}

// SecretBase58 renders the secret key for storage.
func (k Keypair) SecretBase58() string { return base58.Encode(k.private) }

// IsZero reports whether the keypair is unset.
func (k Keypair) IsZero() bool { return len(k.private) == 0 }
