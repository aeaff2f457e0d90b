// Package seal provides the encryption-at-rest primitive used by the
// Permission Store's SQL backends, plus the key
// provisioning story for the Audit Chain's HMAC key.
//
// spec.md's Design Notes (§9) specify a SecretStore capability
// abstractly ("get/put/migrate... HMAC keys are provisioned once and
// cached in-process but never logged") and leave the concrete sealing
// primitive to the implementer. The teacher's pkg/credentials/store.go
// uses AES-256-GCM; this package upgrades that to
// golang.org/x/crypto/chacha20poly1305 with keys derived from a master
// secret via golang.org/x/crypto/hkdf, matching the AEAD/KDF pairing
// the surrounding NIP-04/NIP-44 domain already uses elsewhere in the
// stack rather than introducing a second, unrelated AEAD construction.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretStore is the abstract capability for provisioning and
// retrieving long-lived secrets (the master key for row sealing, the
// audit chain's HMAC key). The core never implements OS keystore
// sealing itself (spec.md §1 Non-goals); this interface is what a
// host application's keystore-backed implementation satisfies.
type SecretStore interface {
	// Get returns the secret for name, or ErrSecretNotFound.
	Get(name string) ([]byte, error)
	// Put stores secret under name, provisioning it for the first time.
	Put(name string, secret []byte) error
}

// MemorySecretStore is an in-process SecretStore for tests and for
// hosts that provision secrets some other way before constructing the
// core. It never persists anything to disk.
type MemorySecretStore struct {
	secrets map[string][]byte
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string][]byte)}
}

var ErrSecretNotFound = fmt.Errorf("seal: secret not found")

func (m *MemorySecretStore) Get(name string) ([]byte, error) {
	s, ok := m.secrets[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return s, nil
}

func (m *MemorySecretStore) Put(name string, secret []byte) error {
	m.secrets[name] = secret
	return nil
}

// ProvisionOnce returns the named secret from store, generating and
// storing a random secretLen-byte secret the first time it is
// requested. This is the "provisioned once, retained for the life of
// the store" pattern spec.md §3 requires for the audit HMAC key.
func ProvisionOnce(store SecretStore, name string, secretLen int) ([]byte, error) {
	if s, err := store.Get(name); err == nil {
		return s, nil
	} else if err != ErrSecretNotFound {
		return nil, fmt.Errorf("seal: provision %s: %w", name, err)
	}
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("seal: generate %s: %w", name, err)
	}
	if err := store.Put(name, secret); err != nil {
		return nil, fmt.Errorf("seal: persist %s: %w", name, err)
	}
	return secret, nil
}

// DeriveKey derives a chacha20poly1305 key from a master secret using
// HKDF-SHA256 with info used as domain separation (e.g. "permission",
// "velocity"), so the same master secret can seal multiple stores
// without key reuse across them.
func DeriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	return key, nil
}

// Sealer encrypts/decrypts row payloads with a single derived key.
type Sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewSealer builds a Sealer from a 32-byte chacha20poly1305 key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal: new aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, prefixing the random nonce to the returned
// ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data previously produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("seal: ciphertext too short")
	}
	nonce, ct := data[:n], data[n:]
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("seal: open: %w", err)
	}
	return pt, nil
}
