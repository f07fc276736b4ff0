package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, KeySize))
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "valid key", key: testKey(1)},
		{name: "empty key", key: "", wantErr: "empty"},
		{name: "not base64", key: "!!!not-base64!!!", wantErr: "base64"},
		{name: "short key", key: base64.StdEncoding.EncodeToString([]byte("too-short")), wantErr: "must be 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptString(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := EncryptString(enc, "refresh-token-value")
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}
	if strings.Contains(ct, "refresh-token-value") {
		t.Fatal("ciphertext contains plaintext")
	}
	pt, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString() error: %v", err)
	}
	if pt != "refresh-token-value" {
		t.Errorf("round trip = %q", pt)
	}

	again, _ := EncryptString(enc, "refresh-token-value")
	if again == ct {
		t.Error("nonce reuse: identical ciphertexts for same plaintext")
	}
}

func TestEmptyStringsPassThrough(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(7))
	if ct, err := EncryptString(enc, ""); err != nil || ct != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", ct, err)
	}
	if pt, err := DecryptString(enc, ""); err != nil || pt != "" {
		t.Errorf("DecryptString(\"\") = %q, %v", pt, err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := NewAESEncryptor(testKey(1))
	b, _ := NewAESEncryptor(testKey(2))
	ct, err := a.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt with wrong key error = %v, want ErrDecrypt", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(3))
	ct, _ := enc.Encrypt([]byte("secret"))
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("tampered Decrypt error = %v, want ErrDecrypt", err)
	}
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short ciphertext")
	}
}

func TestSecretDerivedKeyIsStable(t *testing.T) {
	a, err := NewAESEncryptorFromSecret("another_32_char_secret_value")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewAESEncryptorFromSecret("another_32_char_secret_value")
	ct, _ := a.Encrypt([]byte("access"))
	pt, err := b.Decrypt(ct)
	if err != nil || string(pt) != "access" {
		t.Fatalf("derived keys differ: %q, %v", pt, err)
	}
	if _, err := NewAESEncryptorFromSecret(""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestNewTokenEncryptorPrefersKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, KeySize))
	withKey, err := NewTokenEncryptor(key, "another_32_char_secret_value")
	if err != nil {
		t.Fatal(err)
	}
	fromSecret, err := NewTokenEncryptor("", "another_32_char_secret_value")
	if err != nil {
		t.Fatal(err)
	}
	ct, _ := withKey.Encrypt([]byte("access"))
	if _, err := fromSecret.Decrypt(ct); err == nil {
		t.Fatal("secret-derived key opened a ciphertext sealed with ENCRYPTION_KEY")
	}
	if _, err := NewTokenEncryptor("", ""); err == nil {
		t.Fatal("expected error with neither key nor secret")
	}
}
