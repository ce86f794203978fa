package meshauth

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrVaultNotInitialized = errors.New("meshauth: founder vault not initialized")
	ErrInvalidPassphrase   = errors.New("meshauth: invalid passphrase")
)

// Argon2id parameters tuned for an interactive founder unlock on modest
// hardware: time=3, memory=64MB, threads=4 gives ~1-2s derivation.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
	vaultSaltLen = 16
)

// sealedFounderKey is the on-disk representation of the passphrase-sealed
// mesh founder keypair. The founder key signs join tokens, mesh tokens, and
// revocations, so it never touches disk in the clear.
type sealedFounderKey struct {
	Version      int    `json:"version"`
	Salt         []byte `json:"salt"`          // Argon2id salt
	Nonce        []byte `json:"nonce"`         // XChaCha20-Poly1305 nonce
	EncryptedKey []byte `json:"encrypted_key"` // sealed marshaled private key
}

// SealFounderKey encrypts the founder private key under passphrase and
// writes it to path atomically with 0600 permissions.
func SealFounderKey(path string, founder crypto.PrivKey, passphrase []byte) error {
	keyBytes, err := crypto.MarshalPrivateKey(founder)
	if err != nil {
		return fmt.Errorf("meshauth: marshal founder key: %w", err)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("meshauth: generate vault salt: %w", err)
	}
	derived := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return fmt.Errorf("meshauth: build vault cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("meshauth: generate vault nonce: %w", err)
	}

	sealed := sealedFounderKey{
		Version:      1,
		Salt:         salt,
		Nonce:        nonce,
		EncryptedKey: aead.Seal(nil, nonce, keyBytes, nil),
	}
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return fmt.Errorf("meshauth: marshal sealed vault: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("meshauth: write vault: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("meshauth: rename vault: %w", err)
	}
	return nil
}

// UnsealFounderKey loads path and decrypts the founder private key with
// passphrase. A wrong passphrase surfaces as ErrInvalidPassphrase (the AEAD
// tag fails; the two are indistinguishable by construction).
func UnsealFounderKey(path string, passphrase []byte) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotInitialized
		}
		return nil, fmt.Errorf("meshauth: read vault: %w", err)
	}
	if err := CheckKeyFilePermissions(path); err != nil {
		return nil, err
	}

	var sealed sealedFounderKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("meshauth: parse vault: %w", err)
	}

	derived := argon2.IDKey(passphrase, sealed.Salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("meshauth: build vault cipher: %w", err)
	}
	keyBytes, err := aead.Open(nil, sealed.Nonce, sealed.EncryptedKey, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}

	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("meshauth: unmarshal founder key: %w", err)
	}
	return priv, nil
}
