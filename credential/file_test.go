package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/soundbot/crypto"
)

func TestValidAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		c    Credential
		want bool
	}{
		{"well within margin", Credential{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside margin", Credential{AccessToken: "a", ExpiresAt: now.Add(90 * time.Second)}, false},
		{"already expired", Credential{AccessToken: "a", ExpiresAt: now.Add(-time.Second)}, false},
		{"unknown expiry", Credential{AccessToken: "a"}, false},
		{"no access token", Credential{ExpiresAt: now.Add(time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.ValidAt(now, 2*time.Minute); got != tt.want {
				t.Errorf("ValidAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newEncryptor(t *testing.T, secret string) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptorFromSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestFileStoreRoundTripEncrypted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store := &FileStore{Path: path, Encryptor: newEncryptor(t, "abcdefghijklmnopqrstuvwxyz012345")}

	want := Credential{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Scopes:       []string{"channel:read:redemptions"},
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "access-123") || strings.Contains(string(raw), "refresh-456") {
		t.Fatalf("token file contains plaintext tokens: %s", raw)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != "channel:read:redemptions" {
		t.Errorf("Scopes = %v", got.Scopes)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestFileStoreMissing(t *testing.T) {
	store := &FileStore{Path: filepath.Join(t.TempDir(), "token.json")}
	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreLegacyPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	legacy := `{"access_token": "old-access", "refresh_token": "old-refresh"}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	store := &FileStore{Path: path, Encryptor: newEncryptor(t, "abcdefghijklmnopqrstuvwxyz012345")}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.AccessToken != "old-access" || got.RefreshToken != "old-refresh" {
		t.Errorf("got %+v", got)
	}
	if !got.ExpiresAt.IsZero() {
		t.Errorf("legacy token should have unknown expiry, got %v", got.ExpiresAt)
	}
}

func TestFileStoreEncryptedWithoutKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "token.json")
	sealed := &FileStore{Path: path, Encryptor: newEncryptor(t, "abcdefghijklmnopqrstuvwxyz012345")}
	if err := sealed.Save(ctx, Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	if _, err := (&FileStore{Path: path}).Load(ctx); err == nil {
		t.Error("expected error loading encrypted file without key")
	}
	wrong := &FileStore{Path: path, Encryptor: newEncryptor(t, "a-completely-different-secret-value")}
	if _, err := wrong.Load(ctx); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("Load() with wrong key error = %v, want ErrDecrypt", err)
	}
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	store := &FileStore{Path: filepath.Join(t.TempDir(), "token.json")}
	if err := store.Save(ctx, Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Clear error = %v, want ErrNotFound", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Errorf("second Clear() error: %v", err)
	}
}
