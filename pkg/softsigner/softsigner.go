// Package softsigner provides keepcored's default signer.Signer: a
// single secp256k1 key provisioned through pkg/seal and exercised
// entirely through github.com/nbd-wtf/go-nostr's own event, NIP-04,
// and NIP-44 helpers rather than hand-rolled cryptography.
//
// signer.Signer is a borrowed capability the core never implements
// (spec.md §3 Ownership: "Signer and the transports are exclusively
// borrowed capabilities, never owned by the core") — this package
// exists only so the standalone keepcored binary has a runnable
// default. A deployment with an OS keystore or HSM available should
// supply its own signer.Signer to pkg/core.Deps instead.
//
// Grounded on the klistr bridge's Nostr signer
// (other_examples/3572b8d1_klppl-klistr__internal-nostr-signer.go.go):
// event signing and NIP-04 both go through the nostr/nip04 packages
// rather than driving btcec/schnorr directly.
package softsigner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/privkeyio/keepcore/pkg/seal"
	"github.com/privkeyio/keepcore/pkg/signer"
)

// Signer implements signer.Signer over one provisioned private key.
type Signer struct {
	privKey string
	pubKey  string
}

var _ signer.Signer = (*Signer)(nil)

// New provisions (or loads) a 32-byte secp256k1 private key named
// secretName from store and derives its public key.
func New(store seal.SecretStore, secretName string) (*Signer, error) {
	raw, err := seal.ProvisionOnce(store, secretName, 32)
	if err != nil {
		return nil, fmt.Errorf("softsigner: provision key: %w", err)
	}
	privKey := hex.EncodeToString(raw)
	pubKey, err := nostr.GetPublicKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("softsigner: derive public key: %w", err)
	}
	return &Signer{privKey: privKey, pubKey: pubKey}, nil
}

func (s *Signer) GetPublicKey(ctx context.Context) (string, error) {
	return s.pubKey, nil
}

// SignEvent decodes unsigned as a Nostr event, stamps in the
// custodied pubkey, signs it, and returns the signed JSON event.
func (s *Signer) SignEvent(ctx context.Context, unsigned []byte) ([]byte, error) {
	var event nostr.Event
	if err := json.Unmarshal(unsigned, &event); err != nil {
		return nil, fmt.Errorf("softsigner: decode event: %w", err)
	}
	event.PubKey = s.pubKey
	if err := event.Sign(s.privKey); err != nil {
		return nil, fmt.Errorf("softsigner: sign event: %w", err)
	}
	signed, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("softsigner: encode signed event: %w", err)
	}
	return signed, nil
}

func (s *Signer) Nip04Encrypt(ctx context.Context, peerPubkey string, plaintext []byte) ([]byte, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, s.privKey)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip04 shared secret: %w", err)
	}
	ct, err := nip04.Encrypt(string(plaintext), shared)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip04 encrypt: %w", err)
	}
	return []byte(ct), nil
}

func (s *Signer) Nip04Decrypt(ctx context.Context, peerPubkey string, ciphertext []byte) ([]byte, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, s.privKey)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip04 shared secret: %w", err)
	}
	pt, err := nip04.Decrypt(string(ciphertext), shared)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip04 decrypt: %w", err)
	}
	return []byte(pt), nil
}

func (s *Signer) Nip44Encrypt(ctx context.Context, peerPubkey string, plaintext []byte) ([]byte, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.privKey)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip44 conversation key: %w", err)
	}
	ct, err := nip44.Encrypt(string(plaintext), key)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip44 encrypt: %w", err)
	}
	return []byte(ct), nil
}

func (s *Signer) Nip44Decrypt(ctx context.Context, peerPubkey string, ciphertext []byte) ([]byte, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.privKey)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip44 conversation key: %w", err)
	}
	pt, err := nip44.Decrypt(string(ciphertext), key)
	if err != nil {
		return nil, fmt.Errorf("softsigner: nip44 decrypt: %w", err)
	}
	return []byte(pt), nil
}
