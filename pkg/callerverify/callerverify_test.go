package callerverify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privkeyio/keepcore/pkg/clock"
)

func fixedLookup(hashes map[string]string) PackageLookup {
	return func(packageName string) (string, bool) {
		h, ok := hashes[packageName]
		return h, ok
	}
}

func TestVerifyOrTrustFirstUse(t *testing.T) {
	v := New(NewMemoryTrustStore(), fixedLookup(map[string]string{"com.example.app": "hash-v1"}), clock.NewFake(time.Now()))
	assert.Equal(t, FirstUseRequiresApproval, v.VerifyOrTrust("com.example.app"))
}

func TestVerifyOrTrustNotInstalled(t *testing.T) {
	v := New(NewMemoryTrustStore(), fixedLookup(map[string]string{}), clock.NewFake(time.Now()))
	assert.Equal(t, NotInstalled, v.VerifyOrTrust("com.example.missing"))
}

func TestTrustNowThenVerified(t *testing.T) {
	v := New(NewMemoryTrustStore(), fixedLookup(map[string]string{"com.example.app": "hash-v1"}), clock.NewFake(time.Now()))
	require.NoError(t, v.TrustNow("com.example.app"))
	assert.Equal(t, Verified, v.VerifyOrTrust("com.example.app"))
}

func TestSignatureMismatchAfterTrust(t *testing.T) {
	hashes := map[string]string{"com.example.app": "hash-v1"}
	v := New(NewMemoryTrustStore(), fixedLookup(hashes), clock.NewFake(time.Now()))
	require.NoError(t, v.TrustNow("com.example.app"))
	hashes["com.example.app"] = "hash-v2-tampered"
	assert.Equal(t, SignatureMismatch, v.VerifyOrTrust("com.example.app"))
}

func TestNonceIssueAndConsumeIsOneShot(t *testing.T) {
	v := New(NewMemoryTrustStore(), fixedLookup(nil), clock.NewFake(time.Now()))
	nonce, err := v.Issue("caller-a")
	require.NoError(t, err)

	result, caller := v.Consume(nonce)
	assert.Equal(t, Valid, result)
	assert.Equal(t, "caller-a", caller)

	result, _ = v.Consume(nonce)
	assert.Equal(t, Invalid, result)
}

func TestNonceExpires(t *testing.T) {
	fc := clock.NewFake(time.Now())
	v := New(NewMemoryTrustStore(), fixedLookup(nil), fc)
	nonce, err := v.Issue("caller-a")
	require.NoError(t, err)

	fc.Advance(6 * time.Minute)
	result, _ := v.Consume(nonce)
	assert.Equal(t, Expired, result)
}

func TestNonceUnknownIsInvalid(t *testing.T) {
	v := New(NewMemoryTrustStore(), fixedLookup(nil), clock.NewFake(time.Now()))
	result, _ := v.Consume("never-issued")
	assert.Equal(t, Invalid, result)
}

func TestNonceCapEvictsOldest(t *testing.T) {
	fc := clock.NewFake(time.Now())
	v := New(NewMemoryTrustStore(), fixedLookup(nil), fc)

	first, err := v.Issue("caller-0")
	require.NoError(t, err)

	for i := 1; i < maxNonces; i++ {
		_, err := v.Issue("caller-n")
		require.NoError(t, err)
	}
	assert.Len(t, v.nonces, maxNonces)

	// One more push evicts the oldest (first).
	_, err = v.Issue("caller-overflow")
	require.NoError(t, err)
	assert.Len(t, v.nonces, maxNonces)

	result, _ := v.Consume(first)
	assert.Equal(t, Invalid, result)
}
