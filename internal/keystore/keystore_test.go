package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
)

func TestWriteReadSecretRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "store.json"), "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := []byte("initial-secret-bytes")
	if err := store.WriteSecret(AliasInitialKey, want); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	got, err := store.ReadSecret(AliasInitialKey)
	if err != nil {
		t.Fatalf("read secret: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReopenWithWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	store, err := Open(path, "right-password")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.WriteSecret(AliasInitialKey, []byte("secret")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := Open(path, "wrong-password")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.ReadSecret(AliasInitialKey); err == nil {
		t.Fatalf("expected decrypt failure with wrong password")
	}
}

func TestKeyPairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "store.json"), "pw")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := store.WriteKeyPair(AliasSignature, key); err != nil {
		t.Fatalf("write key pair: %v", err)
	}

	priv, err := store.ReadPrivate(AliasSignature)
	if err != nil {
		t.Fatalf("read private: %v", err)
	}
	if priv.D.Cmp(key.D) != 0 {
		t.Fatalf("private key mismatch")
	}

	pub, err := store.ReadPublic(AliasSignature)
	if err != nil {
		t.Fatalf("read public: %v", err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("public key mismatch")
	}
}

func TestBootstrapSeedsInitialKeyAndSignatureKeyPairOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "store.json"), "pw")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if store.Has(AliasInitialKey) || store.Has(AliasSignature) {
		t.Fatalf("expected a freshly opened store to have neither alias yet")
	}
	if err := store.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !store.Has(AliasInitialKey) || !store.Has(AliasSignature) {
		t.Fatalf("expected bootstrap to seed both aliases")
	}

	secret, err := store.ReadSecret(AliasInitialKey)
	if err != nil {
		t.Fatalf("read seeded secret: %v", err)
	}
	if len(secret) != 32 {
		t.Fatalf("expected a 32-byte seeded secret, got %d bytes", len(secret))
	}

	// Bootstrapping again must not overwrite what is already there.
	if err := store.Bootstrap(); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	again, err := store.ReadSecret(AliasInitialKey)
	if err != nil {
		t.Fatalf("read secret after second bootstrap: %v", err)
	}
	if string(again) != string(secret) {
		t.Fatalf("expected bootstrap to be idempotent, secret changed")
	}
}

func TestMissingAliasIsKeyStoreError(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "store.json"), "pw")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.ReadSecret("DoesNotExist"); err == nil {
		t.Fatalf("expected error for missing alias")
	}
}
