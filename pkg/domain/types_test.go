package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestValidateRejectsOversizedContent(t *testing.T) {
	r := &Request{Type: SignEvent, Content: make([]byte, MaxContentBytes+1)}
	assert.Error(t, r.Validate())
}

func TestRequestValidateRejectsOversizedID(t *testing.T) {
	r := &Request{Type: SignEvent, ID: string(make([]byte, MaxIDLen+1))}
	assert.Error(t, r.Validate())
}

func TestRequestValidateRejectsMalformedPeerPubkey(t *testing.T) {
	r := &Request{Type: Nip04Encrypt, PeerPubkey: "not-hex"}
	assert.Error(t, r.Validate())
}

func TestRequestValidateRejectsUnknownType(t *testing.T) {
	r := &Request{Type: "BOGUS"}
	assert.Error(t, r.Validate())
}

func TestRequestValidateAcceptsWellFormedRequest(t *testing.T) {
	r := &Request{
		Type:       Nip04Encrypt,
		Content:    []byte("hello"),
		PeerPubkey: strings.Repeat("ab", 32),
		ID:         "corr-1",
	}
	assert.NoError(t, r.Validate())
}

func TestEventKindDefaultsToAnyKind(t *testing.T) {
	r := &Request{Type: SignEvent}
	assert.Equal(t, AnyKind, r.EventKind())
}

func TestEventKindReturnsParsedKind(t *testing.T) {
	k := int32(1)
	r := &Request{Type: SignEvent, Kind: &k}
	assert.Equal(t, k, r.EventKind())
}

func TestIsSensitiveKind(t *testing.T) {
	assert.True(t, IsSensitiveKind(0))
	assert.True(t, IsSensitiveKind(4))
	assert.False(t, IsSensitiveKind(1))
}

func TestNormalizePubkeyLowercasesAndValidates(t *testing.T) {
	upper := strings.ToUpper(strings.Repeat("ab", 32))
	got, err := NormalizePubkey(upper)
	assert.NoError(t, err)
	assert.Equal(t, 64, len(got))
	for _, r := range got {
		assert.False(t, r >= 'A' && r <= 'Z')
	}
}

func TestNormalizePubkeyRejectsWrongLength(t *testing.T) {
	_, err := NormalizePubkey("ab")
	assert.Error(t, err)
}

func TestCallerIdentityKey(t *testing.T) {
	local := NewLocalPackage("com.example.app", "sig-hash")
	assert.Equal(t, "com.example.app", local.Key())

	remote := NewNip46Client(strings.Repeat("cd", 32))
	assert.Equal(t, "nip46:"+remote.Pubkey, remote.Key())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", DecisionAllow.String())
	assert.Equal(t, "deny", DecisionDeny.String())
	assert.Equal(t, "rejected", DecisionRejected.String())
}
