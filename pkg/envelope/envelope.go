// Package envelope implements the two-tier encryption scheme for shared and
// personal records. Every group or personal datum crosses a persistence or
// transport boundary only inside an Envelope: symmetric keys are derived per
// (context, scope) pair from a master key, so group-shared records are
// readable by anyone holding the group master key while personal records
// stay private to their owner.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the length of master and derived keys in bytes.
	KeySize = 32
	// NonceSize is the length of the per-record nonce in bytes.
	NonceSize = 24

	// Version tags the current envelope format. It doubles as the key
	// epoch: a future group-key rotation bumps it.
	Version = 1

	kdfLabel = "potluck/v1/"
)

// Context selects which key tier a record belongs to.
type Context string

const (
	// ContextGroup derives keys every current group member can reproduce.
	ContextGroup Context = "group"
	// ContextPersonal derives keys only the owning identity can reproduce.
	ContextPersonal Context = "personal"
)

var (
	// ErrInvalidKey indicates key material of the wrong length.
	ErrInvalidKey = errors.New("invalid key length")
	// ErrAuthenticationFailed indicates a tag mismatch on decrypt: the
	// ciphertext was tampered with or the key is wrong.
	ErrAuthenticationFailed = errors.New("envelope authentication failed")
	// ErrKeyNotAvailable indicates the key for a scope has not been
	// received yet (e.g. the invite handshake has not completed). Callers
	// treat it as recoverable, unlike ErrAuthenticationFailed.
	ErrKeyNotAvailable = errors.New("key not available")
	// ErrMalformed indicates an envelope that cannot be parsed.
	ErrMalformed = errors.New("malformed envelope")
)

// Key is a derived symmetric key.
type Key [KeySize]byte

// Envelope is the only form in which group or personal data is persisted or
// transmitted. The Poly1305 tag is carried inside Ciphertext.
type Envelope struct {
	Version    int     `json:"v"`
	Context    Context `json:"context"`
	ScopeID    string  `json:"scope"`
	Nonce      []byte  `json:"nonce"`
	Ciphertext []byte  `json:"ct"`
}

// DeriveKey deterministically derives the encryption key for a
// (context, scope) pair from a master key. The same inputs always yield the
// same key; distinct contexts or scopes never collide.
func DeriveKey(master []byte, context Context, scopeID string) (Key, error) {
	if len(master) != KeySize {
		return Key{}, ErrInvalidKey
	}
	r := hkdf.New(sha256.New, master, []byte(scopeID), []byte(kdfLabel+string(context)))
	var key Key
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Key{}, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext []byte, key Key, context Context, scopeID string) (*Envelope, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct := secretbox.Seal(nil, plaintext, &nonce, (*[KeySize]byte)(&key))
	return &Envelope{
		Version:    Version,
		Context:    context,
		ScopeID:    scopeID,
		Nonce:      nonce[:],
		Ciphertext: ct,
	}, nil
}

// Decrypt opens an envelope. A tag mismatch returns ErrAuthenticationFailed;
// this is what keeps relay observers and a compromised record store out of
// group and personal data.
func Decrypt(env *Envelope, key Key) ([]byte, error) {
	if env == nil || len(env.Nonce) != NonceSize || len(env.Ciphertext) < secretbox.Overhead {
		return nil, ErrMalformed
	}
	var nonce [NonceSize]byte
	copy(nonce[:], env.Nonce)
	plaintext, ok := secretbox.Open(nil, env.Ciphertext, &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// NewMasterKey generates a fresh random master key.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// Encode serializes the envelope for use as relay event content.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

// Decode parses an envelope previously produced by Encode.
func Decode(s string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, ErrMalformed
	}
	if len(env.Ciphertext) == 0 {
		return nil, ErrMalformed
	}
	return &env, nil
}
