package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/potluck-btc/potluck/pkg/envelope"
)

// Group master keys live beside identity keys, one file per group. The scope
// name is hex-encoded so arbitrary group ids cannot escape the directory.

func (kr *Keyring) secretsDir() string {
	return filepath.Join(kr.dir, "secrets")
}

func (kr *Keyring) secretPath(scope string) string {
	return filepath.Join(kr.secretsDir(), hex.EncodeToString([]byte(scope))+".key")
}

// StoreSecret persists an opaque secret under a scope name.
func (kr *Keyring) StoreSecret(scope string, secret []byte) error {
	if err := os.MkdirAll(kr.secretsDir(), 0o700); err != nil {
		return fmt.Errorf("create secrets directory: %w", err)
	}
	if err := os.WriteFile(kr.secretPath(scope), secret, 0o600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}

// RetrieveSecret returns a stored secret. ErrLocked when the keyring refuses
// release; ErrNotFound when the scope has no secret.
func (kr *Keyring) RetrieveSecret(scope string) ([]byte, error) {
	if err := kr.gate(); err != nil {
		return nil, err
	}
	secret, err := os.ReadFile(kr.secretPath(scope))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return secret, nil
}

// DeleteSecret removes a stored secret.
func (kr *Keyring) DeleteSecret(scope string) error {
	if err := os.Remove(kr.secretPath(scope)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// StoreGroupKey implements ledger.KeyStore.
func (kr *Keyring) StoreGroupKey(groupID string, key []byte) error {
	return kr.StoreSecret("group/"+groupID, key)
}

// GroupKey implements ledger.KeyStore. A missing key maps to
// envelope.ErrKeyNotAvailable so ledger folds park instead of failing.
func (kr *Keyring) GroupKey(groupID string) ([]byte, error) {
	key, err := kr.RetrieveSecret("group/" + groupID)
	if errors.Is(err, ErrNotFound) {
		return nil, envelope.ErrKeyNotAvailable
	}
	return key, err
}
