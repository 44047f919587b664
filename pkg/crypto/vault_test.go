package crypto

import (
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) string {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	return k.Encode()
}

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault(genKey(t), nil)
	require.NoError(t, err)

	ct, err := v.Encrypt([]byte("secret-access-token"))
	require.NoError(t, err)
	assert.NotContains(t, ct, "secret-access-token")

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "secret-access-token", string(pt))
}

func TestVaultDecryptsWithRetiredKey(t *testing.T) {
	oldKey := genKey(t)
	newKey := genKey(t)

	oldVault, err := NewVault(oldKey, nil)
	require.NoError(t, err)
	ct, err := oldVault.Encrypt([]byte("issued-under-old-key"))
	require.NoError(t, err)

	// New primary, old key retired: old ciphertexts still decrypt.
	v, err := NewVault(newKey, []string{oldKey})
	require.NoError(t, err)
	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "issued-under-old-key", string(pt))
	assert.Equal(t, 2, v.Generation())
}

func TestVaultRotateReencryptsUnderPrimary(t *testing.T) {
	oldKey := genKey(t)
	newKey := genKey(t)

	oldVault, err := NewVault(oldKey, nil)
	require.NoError(t, err)
	ct, err := oldVault.Encrypt([]byte("payload"))
	require.NoError(t, err)

	v, err := NewVault(newKey, []string{oldKey})
	require.NoError(t, err)
	rotated, err := v.Rotate(ct)
	require.NoError(t, err)

	// The rotated ciphertext must decrypt under the new primary alone.
	primaryOnly, err := NewVault(newKey, nil)
	require.NoError(t, err)
	pt, err := primaryOnly.Decrypt(rotated)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(pt))
}

func TestVaultBadKey(t *testing.T) {
	_, err := NewVault("not-a-key", nil)
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = NewVault("", nil)
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = NewVault(genKey(t), []string{"garbage"})
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestVaultBadCiphertext(t *testing.T) {
	v, err := NewVault(genKey(t), nil)
	require.NoError(t, err)

	_, err = v.Decrypt("gAAAAA-definitely-not-a-token")
	assert.ErrorIs(t, err, ErrBadCiphertext)

	// Ciphertext from an unrelated key fails under every configured key.
	other, err := NewVault(genKey(t), nil)
	require.NoError(t, err)
	ct, err := other.Encrypt([]byte("x"))
	require.NoError(t, err)
	_, err = v.Decrypt(ct)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}
