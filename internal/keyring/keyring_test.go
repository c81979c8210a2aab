package keyring

import (
	"context"
	"errors"
	"testing"

	"github.com/potluck-btc/potluck/pkg/envelope"
)

func TestGenerateAndLoad(t *testing.T) {
	kr := New(t.TempDir())
	ctx := context.Background()

	key, err := kr.Generate(ctx, "device")
	if err != nil {
		t.Fatal(err)
	}
	if len(key.PublicKey) != publicKeyHexLength {
		t.Fatalf("pubkey hex = %q", key.PublicKey)
	}

	byAlias, err := kr.Load(ctx, "device")
	if err != nil {
		t.Fatal(err)
	}
	if byAlias.PublicKey != key.PublicKey {
		t.Error("alias resolved to a different key")
	}

	byHex, err := kr.Load(ctx, key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if byHex.PublicKey != key.PublicKey {
		t.Error("hex lookup resolved to a different key")
	}
}

func TestLoadUnknownAlias(t *testing.T) {
	kr := New(t.TempDir())
	if _, err := kr.Load(context.Background(), "missing"); !errors.Is(err, ErrAliasNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestImportRoundTrip(t *testing.T) {
	kr := New(t.TempDir())
	ctx := context.Background()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	imported, err := kr.Import(ctx, seed, "restored")
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := kr.Load(ctx, "restored")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PublicKey != imported.PublicKey {
		t.Error("imported key does not round-trip")
	}
	// Importing the same seed twice is a conflict, not a silent overwrite.
	if _, err := kr.Import(ctx, seed, "again"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate import: %v", err)
	}
}

func TestDefaultKey(t *testing.T) {
	kr := New(t.TempDir())
	ctx := context.Background()

	if _, err := kr.LoadDefault(ctx); !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoDefault) {
		t.Errorf("empty keyring default: %v", err)
	}

	key, _ := kr.Generate(ctx, "main")
	if err := kr.SetDefault("main"); err != nil {
		t.Fatal(err)
	}
	def, err := kr.LoadDefault(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if def.PublicKey != key.PublicKey {
		t.Error("wrong default key")
	}

	infos, err := kr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || !infos[0].IsDefault {
		t.Errorf("list = %+v", infos)
	}
}

func TestDeleteRemovesAliases(t *testing.T) {
	kr := New(t.TempDir())
	ctx := context.Background()

	key, _ := kr.Generate(ctx, "gone")
	if err := kr.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := kr.Load(ctx, key.PublicKey); !errors.Is(err, ErrAliasNotFound) && !errors.Is(err, ErrNotFound) {
		t.Errorf("load deleted key: %v", err)
	}
}

func TestLoadOrGenerateIsStable(t *testing.T) {
	kr := New(t.TempDir())
	ctx := context.Background()

	first, err := kr.LoadOrGenerate(ctx, DefaultAlias)
	if err != nil {
		t.Fatal(err)
	}
	second, err := kr.LoadOrGenerate(ctx, DefaultAlias)
	if err != nil {
		t.Fatal(err)
	}
	if first.PublicKey != second.PublicKey {
		t.Error("second call generated a new key")
	}
}

func TestGroupKeyStorage(t *testing.T) {
	kr := New(t.TempDir())

	if _, err := kr.GroupKey("g1"); !errors.Is(err, envelope.ErrKeyNotAvailable) {
		t.Errorf("missing group key: %v", err)
	}

	master := make([]byte, 32)
	master[0] = 0xaa
	if err := kr.StoreGroupKey("g1", master); err != nil {
		t.Fatal(err)
	}
	got, err := kr.GroupKey("g1")
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0xaa || len(got) != 32 {
		t.Error("group key corrupted")
	}
}

func TestLockedKeyringRefusesSecrets(t *testing.T) {
	kr := New(t.TempDir())
	_ = kr.StoreGroupKey("g1", []byte("0123456789abcdef0123456789abcdef"))

	kr.Lock()
	if _, err := kr.GroupKey("g1"); !errors.Is(err, ErrLocked) {
		t.Errorf("locked retrieval: %v", err)
	}
	kr.Unlock()
	if _, err := kr.GroupKey("g1"); err != nil {
		t.Errorf("unlocked retrieval: %v", err)
	}
}

func TestPresenceGate(t *testing.T) {
	allow := false
	kr := New(t.TempDir(), WithPresenceCheck(func() bool { return allow }))
	_ = kr.StoreGroupKey("g1", []byte("0123456789abcdef0123456789abcdef"))

	if _, err := kr.GroupKey("g1"); !errors.Is(err, ErrLocked) {
		t.Errorf("denied presence: %v", err)
	}
	allow = true
	if _, err := kr.GroupKey("g1"); err != nil {
		t.Errorf("granted presence: %v", err)
	}
}
