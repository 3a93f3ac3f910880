package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKeyring(t *testing.T) string {
	t.Helper()
	k1 := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	k2 := base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))
	return "v2:" + k2 + ",v1:" + k1
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := ParseKeyring(testKeyring(t))
	if err != nil {
		t.Fatalf("ParseKeyring failed: %v", err)
	}

	ciphertext, version, err := c.Encrypt("super-secret-access-token")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if version != "v2" {
		t.Errorf("Expected primary version v2, got %s", version)
	}
	if strings.Contains(ciphertext, "super-secret") {
		t.Error("Ciphertext contains plaintext")
	}

	plain, err := c.Decrypt(ciphertext, version)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plain != "super-secret-access-token" {
		t.Errorf("Round trip mismatch: %q", plain)
	}
}

func TestDecryptWithRotatedKey(t *testing.T) {
	// Encrypt under a ring where v1 is primary, then decrypt after rotation
	// to a ring where v2 is primary but v1 is retained.
	k1 := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	k2 := base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))

	oldRing, err := ParseKeyring("v1:" + k1)
	if err != nil {
		t.Fatalf("ParseKeyring failed: %v", err)
	}
	ciphertext, version, err := oldRing.Encrypt("refresh-token-value")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	newRing, err := ParseKeyring("v2:" + k2 + ",v1:" + k1)
	if err != nil {
		t.Fatalf("ParseKeyring failed: %v", err)
	}
	plain, err := newRing.Decrypt(ciphertext, version)
	if err != nil {
		t.Fatalf("Decrypt after rotation failed: %v", err)
	}
	if plain != "refresh-token-value" {
		t.Errorf("Round trip mismatch: %q", plain)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	c, err := ParseKeyring(testKeyring(t))
	if err != nil {
		t.Fatalf("ParseKeyring failed: %v", err)
	}
	if _, err := c.Decrypt("aGVsbG8=", "v9"); err == nil {
		t.Error("Expected error for unknown key version")
	}
}

func TestParseKeyringRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"no-colon",
		"v1:not-base64!!",
		"v1:" + base64.StdEncoding.EncodeToString([]byte("short")),
	}
	for _, raw := range cases {
		if _, err := ParseKeyring(raw); err == nil {
			t.Errorf("Expected error for keyring %q", raw)
		}
	}
}
