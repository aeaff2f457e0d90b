package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionOnceGeneratesThenPersists(t *testing.T) {
	store := NewMemorySecretStore()

	first, err := ProvisionOnce(store, "k", 32)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := ProvisionOnce(store, "k", 32)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestProvisionOnceIsIndependentPerName(t *testing.T) {
	store := NewMemorySecretStore()
	a, err := ProvisionOnce(store, "a", 32)
	require.NoError(t, err)
	b, err := ProvisionOnce(store, "b", 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMemorySecretStoreGetMissingReturnsErrSecretNotFound(t *testing.T) {
	store := NewMemorySecretStore()
	_, err := store.Get("missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestDeriveKeyIsDeterministicAndDomainSeparated(t *testing.T) {
	master, err := ProvisionOnce(NewMemorySecretStore(), "master", 32)
	require.NoError(t, err)

	permKey1, err := DeriveKey(master, "permission")
	require.NoError(t, err)
	permKey2, err := DeriveKey(master, "permission")
	require.NoError(t, err)
	assert.Equal(t, permKey1, permKey2)

	velKey, err := DeriveKey(master, "velocity")
	require.NoError(t, err)
	assert.NotEqual(t, permKey1, velKey)
}

func TestSealerRoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("0123456789abcdef0123456789abcdef"), "row")
	require.NoError(t, err)
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	ct, err := sealer.Seal([]byte("plaintext payload"))
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "plaintext payload")

	pt, err := sealer.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, "plaintext payload", string(pt))
}

func TestSealerOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := DeriveKey([]byte("0123456789abcdef0123456789abcdef"), "row")
	require.NoError(t, err)
	sealer, err := NewSealer(key)
	require.NoError(t, err)

	ct, err := sealer.Seal([]byte("plaintext payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = sealer.Open(ct)
	assert.Error(t, err)
}

func TestSealerOpenRejectsShortInput(t *testing.T) {
	sealer, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)
	_, err = sealer.Open([]byte("too short"))
	assert.Error(t, err)
}
