package meshauth

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "founder.vault")

	if err := SealFounderKey(path, priv, []byte("correct horse")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := UnsealFounderKey(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if !priv.Equals(got) {
		t.Fatal("unsealed key differs from the sealed one")
	}
}

func TestUnsealWrongPassphrase(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "founder.vault")
	if err := SealFounderKey(path, priv, []byte("right")); err != nil {
		t.Fatalf("seal: %v", err)
	}

	_, err = UnsealFounderKey(path, []byte("wrong"))
	if !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected ErrInvalidPassphrase, got %v", err)
	}
}

func TestUnsealMissingVault(t *testing.T) {
	_, err := UnsealFounderKey(filepath.Join(t.TempDir(), "absent.vault"), []byte("x"))
	if !errors.Is(err, ErrVaultNotInitialized) {
		t.Fatalf("expected ErrVaultNotInitialized, got %v", err)
	}
}
