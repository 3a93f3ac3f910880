// Package crypto encrypts OAuth tokens at rest with a versioned keyring.
// The active key encrypts all new writes; older keys stay in the ring so
// records written before a rotation still decrypt. The key version is
// persisted alongside each ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// KeyringEnvVar holds the keyring as "version:base64key" pairs separated by
// commas, newest first, e.g. "v2:...,v1:...". Keys must be 16, 24 or 32
// bytes once decoded.
const KeyringEnvVar = "TOKEN_KEYRING"

type Cipher struct {
	primary string
	keys    map[string][]byte
}

// ParseKeyring builds a Cipher from the env-var format. The first entry is
// the primary (encrypting) key.
func ParseKeyring(raw string) (*Cipher, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty keyring")
	}

	c := &Cipher{keys: make(map[string][]byte)}
	for i, entry := range strings.Split(raw, ",") {
		version, encoded, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || version == "" {
			return nil, fmt.Errorf("keyring entry %d: expected version:key", i)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("keyring entry %q: %w", version, err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("keyring entry %q: invalid key length %d", version, len(key))
		}
		if i == 0 {
			c.primary = version
		}
		c.keys[version] = key
	}
	return c, nil
}

// PrimaryVersion is the version new ciphertexts are written with.
func (c *Cipher) PrimaryVersion() string {
	return c.primary
}

// Encrypt seals plaintext with the primary key and returns the base64
// ciphertext plus the key version that must be stored with it.
func (c *Cipher) Encrypt(plaintext string) (ciphertext, keyVersion string, err error) {
	gcm, err := c.gcm(c.primary)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), c.primary, nil
}

// Decrypt opens a ciphertext produced under the given key version.
func (c *Cipher) Decrypt(ciphertext, keyVersion string) (string, error) {
	gcm, err := c.gcm(keyVersion)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (c *Cipher) gcm(version string) (cipher.AEAD, error) {
	key, ok := c.keys[version]
	if !ok {
		return nil, fmt.Errorf("unknown key version %q", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
