// Package signer declares the Signer capability the core invokes but
// never implements (spec.md §1: "the cryptographic signer itself ...
// is deliberately out of scope. The core invokes it through an opaque
// Signer capability."). A host application supplies the concrete
// implementation (keystore-backed, HSM-backed, or otherwise); this
// package only fixes the contract the Authorization Engine calls once
// a request clears every gate.
package signer

import "context"

// Signer is the opaque borrowed capability (spec.md §3 Ownership:
// "Signer and the transports are exclusively borrowed capabilities,
// never owned by the core"). Every method receives only what the
// corresponding RequestType needs to do the cryptographic work; none
// of them make an authorization decision — that already happened.
type Signer interface {
	// GetPublicKey returns the custodied key's public key, lower-case
	// 64-hex.
	GetPublicKey(ctx context.Context) (string, error)

	// SignEvent signs a serialized Nostr event and returns the signed
	// JSON event.
	SignEvent(ctx context.Context, unsignedEvent []byte) (signedEvent []byte, err error)

	// Nip04Encrypt / Nip04Decrypt implement NIP-04 message encryption
	// against peerPubkey (lower-case 64-hex).
	Nip04Encrypt(ctx context.Context, peerPubkey string, plaintext []byte) (ciphertext []byte, err error)
	Nip04Decrypt(ctx context.Context, peerPubkey string, ciphertext []byte) (plaintext []byte, err error)

	// Nip44Encrypt / Nip44Decrypt implement the NIP-44 versioned cipher.
	Nip44Encrypt(ctx context.Context, peerPubkey string, plaintext []byte) (ciphertext []byte, err error)
	Nip44Decrypt(ctx context.Context, peerPubkey string, ciphertext []byte) (plaintext []byte, err error)
}
