// Package keyring stores identity keypairs and group master keys on disk
// under a single directory, with alias and default-key bookkeeping. It is the
// secure-storage collaborator: callers never touch seed files directly.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/potluck-btc/potluck/pkg/identity"
)

const (
	DefaultAlias       = "default"
	publicKeyHexLength = 64
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrAliasNotFound = errors.New("alias not found")
	ErrAlreadyExists = errors.New("key already exists")
	ErrNoDefault     = errors.New("no default key set")
	// ErrLocked indicates the keyring refused to release a secret. Distinct
	// from ErrNotFound so callers can prompt for unlock instead of treating
	// the key as missing.
	ErrLocked = errors.New("keyring is locked")
)

// Keyring is a file-backed key store rooted at dir.
type Keyring struct {
	dir      string
	locked   bool
	presence func() bool
}

// Option configures a Keyring.
type Option func(*Keyring)

// WithPresenceCheck installs a user-presence gate consulted before any
// secret leaves the keyring. A false return locks the request out.
func WithPresenceCheck(check func() bool) Option {
	return func(kr *Keyring) { kr.presence = check }
}

// Key is a loaded identity key with its metadata.
type Key struct {
	Keypair   *identity.Keypair
	PublicKey string // hex
	Metadata  *Metadata
}

// Metadata is stored beside each key file.
type Metadata struct {
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyInfo is a listing entry.
type KeyInfo struct {
	PublicKey string    `json:"public_key"`
	Aliases   []string  `json:"aliases,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsDefault bool      `json:"is_default"`
}

// New opens a keyring rooted at dir. The directory is created lazily.
func New(dir string, opts ...Option) *Keyring {
	kr := &Keyring{dir: dir}
	for _, opt := range opts {
		opt(kr)
	}
	return kr
}

// Lock refuses secret release until Unlock.
func (kr *Keyring) Lock() { kr.locked = true }

// Unlock re-enables secret release.
func (kr *Keyring) Unlock() { kr.locked = false }

func (kr *Keyring) gate() error {
	if kr.locked {
		return ErrLocked
	}
	if kr.presence != nil && !kr.presence() {
		return ErrLocked
	}
	return nil
}

// Generate creates a new identity key and optionally binds an alias.
func (kr *Keyring) Generate(_ context.Context, alias string) (*Key, error) {
	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	return kr.store(kp, alias)
}

// Import stores a key recovered from an existing seed.
func (kr *Keyring) Import(_ context.Context, seed []byte, alias string) (*Key, error) {
	kp, err := identity.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return kr.store(kp, alias)
}

func (kr *Keyring) store(kp *identity.Keypair, alias string) (*Key, error) {
	pkHex := kp.PublicKey().Hex()
	if kr.keyExists(pkHex) {
		return nil, ErrAlreadyExists
	}
	meta := &Metadata{PublicKey: pkHex, CreatedAt: time.Now()}
	if err := kr.saveKey(kp, pkHex, meta); err != nil {
		return nil, err
	}
	if alias != "" {
		if err := kr.SetAlias(alias, pkHex); err != nil {
			_ = kr.deleteKeyFiles(pkHex)
			return nil, err
		}
	}
	return &Key{Keypair: kp, PublicKey: pkHex, Metadata: meta}, nil
}

// Load resolves an alias or hex pubkey and returns the keypair.
func (kr *Keyring) Load(_ context.Context, nameOrID string) (*Key, error) {
	if err := kr.gate(); err != nil {
		return nil, err
	}
	pkHex, err := kr.resolveToPublicKey(nameOrID)
	if err != nil {
		return nil, err
	}
	kp, meta, err := kr.loadKey(pkHex)
	if err != nil {
		return nil, err
	}
	return &Key{Keypair: kp, PublicKey: pkHex, Metadata: meta}, nil
}

// LoadDefault loads the key the default alias points at.
func (kr *Keyring) LoadDefault(ctx context.Context) (*Key, error) {
	kf, err := kr.loadIndex()
	if err != nil {
		return nil, err
	}
	if kf.Default == "" {
		return nil, ErrNoDefault
	}
	return kr.Load(ctx, kf.Default)
}

// LoadOrGenerate loads the aliased key, creating it on first run.
func (kr *Keyring) LoadOrGenerate(ctx context.Context, alias string) (*Key, error) {
	key, err := kr.Load(ctx, alias)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAliasNotFound) {
		return nil, err
	}
	return kr.Generate(ctx, alias)
}

// List returns metadata for every stored identity key.
func (kr *Keyring) List(_ context.Context) ([]*KeyInfo, error) {
	kf, err := kr.loadIndex()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	aliasMap := make(map[string][]string)
	var defaultHex string
	if kf != nil {
		for alias, pkHex := range kf.Aliases {
			aliasMap[pkHex] = append(aliasMap[pkHex], alias)
		}
		if kf.Default != "" {
			defaultHex, _ = kf.resolve(kf.Default)
		}
	}

	hexes, err := kr.listKeyFiles()
	if err != nil {
		return nil, err
	}
	infos := make([]*KeyInfo, 0, len(hexes))
	for _, pkHex := range hexes {
		_, meta, err := kr.loadKey(pkHex)
		if err != nil {
			continue
		}
		infos = append(infos, &KeyInfo{
			PublicKey: meta.PublicKey,
			Aliases:   aliasMap[pkHex],
			CreatedAt: meta.CreatedAt,
			IsDefault: pkHex == defaultHex,
		})
	}
	return infos, nil
}

// Delete removes a key, its metadata, and any aliases pointing at it.
func (kr *Keyring) Delete(_ context.Context, nameOrID string) error {
	pkHex, err := kr.resolveToPublicKey(nameOrID)
	if err != nil {
		return err
	}
	kf, err := kr.loadIndex()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if kf != nil {
		changed := false
		for alias, id := range kf.Aliases {
			if id == pkHex {
				delete(kf.Aliases, alias)
				changed = true
			}
		}
		if kf.Default != "" {
			if defaultHex, _ := kf.resolve(kf.Default); defaultHex == pkHex {
				kf.Default = ""
				changed = true
			}
		}
		if changed {
			if err := kr.saveIndex(kf); err != nil {
				return err
			}
		}
	}
	return kr.deleteKeyFiles(pkHex)
}

// SetAlias binds a name to a stored key.
func (kr *Keyring) SetAlias(alias, pkHex string) error {
	pkHex = normalize(pkHex)
	if !kr.keyExists(pkHex) {
		return ErrNotFound
	}
	kf, err := kr.loadIndexOrEmpty()
	if err != nil {
		return err
	}
	kf.Aliases[alias] = pkHex
	return kr.saveIndex(kf)
}

// SetDefault marks an existing alias as the default key.
func (kr *Keyring) SetDefault(alias string) error {
	kf, err := kr.loadIndexOrEmpty()
	if err != nil {
		return err
	}
	if _, ok := kf.Aliases[alias]; !ok {
		return ErrAliasNotFound
	}
	kf.Default = alias
	return kr.saveIndex(kf)
}

func (kr *Keyring) resolveToPublicKey(nameOrID string) (string, error) {
	pkHex := normalize(nameOrID)
	if len(pkHex) == publicKeyHexLength && isHex(pkHex) && kr.keyExists(pkHex) {
		return pkHex, nil
	}
	kf, err := kr.loadIndex()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrAliasNotFound
		}
		return "", err
	}
	resolved, ok := kf.resolve(nameOrID)
	if !ok {
		return "", ErrAliasNotFound
	}
	if !kr.keyExists(resolved) {
		return "", ErrNotFound
	}
	return resolved, nil
}

// index is the on-disk alias/default map.
type index struct {
	Version int               `json:"version"`
	Default string            `json:"default,omitempty"`
	Aliases map[string]string `json:"aliases"`
}

func (kf *index) resolve(nameOrID string) (string, bool) {
	if pkHex, ok := kf.Aliases[nameOrID]; ok {
		return normalize(pkHex), true
	}
	pkHex := normalize(nameOrID)
	if len(pkHex) == publicKeyHexLength && isHex(pkHex) {
		return pkHex, true
	}
	return "", false
}

func (kr *Keyring) keysDir() string   { return filepath.Join(kr.dir, "keys") }
func (kr *Keyring) indexPath() string { return filepath.Join(kr.dir, "keyring.json") }

func (kr *Keyring) keyPath(pkHex string) string {
	return filepath.Join(kr.keysDir(), normalize(pkHex)+".key")
}

func (kr *Keyring) metaPath(pkHex string) string {
	return filepath.Join(kr.keysDir(), normalize(pkHex)+".json")
}

func (kr *Keyring) keyExists(pkHex string) bool {
	_, err := os.Stat(kr.keyPath(pkHex))
	return err == nil
}

func (kr *Keyring) saveKey(kp *identity.Keypair, pkHex string, meta *Metadata) error {
	if err := os.MkdirAll(kr.keysDir(), 0o700); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}
	if err := os.WriteFile(kr.keyPath(pkHex), kp.Seed(), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(kr.keyPath(pkHex))
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(kr.metaPath(pkHex), metaJSON, 0o600); err != nil {
		_ = os.Remove(kr.keyPath(pkHex))
		return fmt.Errorf("write metadata file: %w", err)
	}
	return nil
}

func (kr *Keyring) loadKey(pkHex string) (*identity.Keypair, *Metadata, error) {
	seed, err := os.ReadFile(kr.keyPath(pkHex))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}
	kp, err := identity.FromSeed(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("keypair from seed: %w", err)
	}

	meta := &Metadata{PublicKey: kp.PublicKey().Hex()}
	metaJSON, err := os.ReadFile(kr.metaPath(pkHex))
	if err == nil {
		if err := json.Unmarshal(metaJSON, meta); err != nil {
			return nil, nil, fmt.Errorf("parse metadata: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("read metadata file: %w", err)
	}
	return kp, meta, nil
}

func (kr *Keyring) deleteKeyFiles(pkHex string) error {
	if err := os.Remove(kr.keyPath(pkHex)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete key file: %w", err)
	}
	_ = os.Remove(kr.metaPath(pkHex))
	return nil
}

func (kr *Keyring) listKeyFiles() ([]string, error) {
	entries, err := os.ReadDir(kr.keysDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keys directory: %w", err)
	}
	var hexes []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		hexes = append(hexes, strings.TrimSuffix(entry.Name(), ".key"))
	}
	return hexes, nil
}

func (kr *Keyring) loadIndex() (*index, error) {
	data, err := os.ReadFile(kr.indexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read keyring index: %w", err)
	}
	kf := &index{}
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("parse keyring index: %w", err)
	}
	if kf.Aliases == nil {
		kf.Aliases = make(map[string]string)
	}
	for alias, pkHex := range kf.Aliases {
		kf.Aliases[alias] = normalize(pkHex)
	}
	return kf, nil
}

func (kr *Keyring) loadIndexOrEmpty() (*index, error) {
	kf, err := kr.loadIndex()
	if errors.Is(err, ErrNotFound) {
		return &index{Version: 1, Aliases: make(map[string]string)}, nil
	}
	return kf, err
}

func (kr *Keyring) saveIndex(kf *index) error {
	if err := os.MkdirAll(kr.dir, 0o700); err != nil {
		return fmt.Errorf("create keyring directory: %w", err)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring index: %w", err)
	}
	if err := os.WriteFile(kr.indexPath(), data, 0o600); err != nil {
		return fmt.Errorf("write keyring index: %w", err)
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
