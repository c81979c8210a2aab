// Package identity provides the long-term Ed25519 keypairs that address
// encrypted records and authenticate relay events. An identity is created
// once at onboarding and is immutable afterwards; it never custodies funds.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// PublicKeySize is the length of a raw public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// SeedSize is the length of a keypair seed in bytes.
const SeedSize = ed25519.SeedSize

var (
	// ErrInvalidSeed indicates a seed of the wrong length.
	ErrInvalidSeed = errors.New("invalid seed length")
	// ErrInvalidEncoding indicates a malformed encoded key.
	ErrInvalidEncoding = errors.New("invalid public key encoding")
)

// PublicKey is a raw Ed25519 public key. The array form keeps it comparable
// and usable as a map key.
type PublicKey [PublicKeySize]byte

// Hex returns the lowercase hex encoding of the key.
func (p PublicKey) Hex() string {
	return hex.EncodeToString(p[:])
}

// Short returns a truncated hex form for logs.
func (p PublicKey) Short() string {
	return hex.EncodeToString(p[:8]) + "..."
}

// DecodePublicKey parses a hex-encoded public key.
func DecodePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != PublicKeySize {
		return PublicKey{}, ErrInvalidEncoding
	}
	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

// Keypair is an Ed25519 signing keypair.
type Keypair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a new random keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{private: priv, public: pub}, nil
}

// FromSeed reconstructs a keypair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, _ := priv.Public().(ed25519.PublicKey)
	return &Keypair{private: priv, public: pub}, nil
}

// Seed returns the 32-byte seed for this keypair.
func (k *Keypair) Seed() []byte {
	return k.private.Seed()
}

// PublicKey returns the public half.
func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.public)
	return pk
}

// Sign signs a payload.
func (k *Keypair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// Verify checks a signature over the given payload.
func Verify(pub PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub[:], payload, sig)
}
