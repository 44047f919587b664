// Package crypto provides symmetric encryption for stored secrets
// (OAuth access and refresh tokens) with overlapping key generations.
package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

var (
	// ErrBadKey is returned when a configured key is not a valid
	// 32-byte URL-safe base64 fernet key.
	ErrBadKey = errors.New("crypto: malformed key")

	// ErrBadCiphertext is returned when decryption fails under every
	// configured key.
	ErrBadCiphertext = errors.New("crypto: ciphertext did not verify under any key")
)

// Vault encrypts with a single primary key and decrypts with the primary
// plus any retired keys, so key rotation never strands stored ciphertexts.
type Vault struct {
	primary *fernet.Key
	keys    []*fernet.Key // primary first, retired after, in configured order

	// generation identifies the primary key. It increments every time the
	// primary is rotated (generation = 1 + number of retired keys).
	generation int
}

// NewVault builds a Vault from the primary key and zero or more retired keys.
// Keys are 32-byte values carried as URL-safe base64 (FERNET_KEY format).
func NewVault(primary string, retired []string) (*Vault, error) {
	if strings.TrimSpace(primary) == "" {
		return nil, fmt.Errorf("%w: primary key is empty", ErrBadKey)
	}
	pk, err := fernet.DecodeKey(strings.TrimSpace(primary))
	if err != nil {
		return nil, fmt.Errorf("%w: primary: %v", ErrBadKey, err)
	}

	keys := []*fernet.Key{pk}
	for i, r := range retired {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		k, err := fernet.DecodeKey(r)
		if err != nil {
			return nil, fmt.Errorf("%w: retired key %d: %v", ErrBadKey, i, err)
		}
		keys = append(keys, k)
	}

	return &Vault{
		primary:    pk,
		keys:       keys,
		generation: len(keys),
	}, nil
}

// Generation returns the key generation of the primary key.
func (v *Vault) Generation() int {
	return v.generation
}

// Encrypt encrypts plaintext with the primary key and returns the fernet
// token as a string suitable for database storage.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, v.primary)
	if err != nil {
		return "", fmt.Errorf("crypto: encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt tries all keys in order (primary first) and returns the plaintext.
// TTL is not enforced here: stored tokens carry their own expiry columns.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, v.keys)
	if msg == nil {
		return nil, ErrBadCiphertext
	}
	return msg, nil
}

// Rotate re-encrypts a ciphertext under the primary key. Used by migration
// jobs after a retired key is scheduled for removal.
func (v *Vault) Rotate(ciphertext string) (string, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plaintext)
}
