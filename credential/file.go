package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/soundbot/crypto"
)

const (
	encryptionNone   = 0
	encryptionAESGCM = 1
)

// tokenFile is the on-disk layout. Files written by older versions only carry
// access_token and refresh_token in plaintext; they load with an unknown
// expiry.
type tokenFile struct {
	AccessToken       string     `json:"access_token"`
	RefreshToken      string     `json:"refresh_token"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Scopes            []string   `json:"scopes,omitempty"`
	EncryptionVersion int        `json:"encryption_version,omitempty"`
}

// FileStore keeps the credential in a JSON file next to the config file.
// Tokens are sealed with Encryptor when it is set.
type FileStore struct {
	Path      string
	Encryptor crypto.Encryptor
}

func (s *FileStore) Load(ctx context.Context) (Credential, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read token file: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return Credential{}, fmt.Errorf("parse token file %s: %w", s.Path, err)
	}
	access, refresh := tf.AccessToken, tf.RefreshToken
	switch tf.EncryptionVersion {
	case encryptionNone:
		if s.Encryptor != nil && (access != "" || refresh != "") {
			slog.Warn("token file is plaintext; it will be encrypted on next save",
				slog.String("path", s.Path), slog.String("component", "credential"))
		}
	case encryptionAESGCM:
		if s.Encryptor == nil {
			return Credential{}, errors.New("token file is encrypted but no encryption key is configured")
		}
		if access, err = crypto.DecryptString(s.Encryptor, access); err != nil {
			return Credential{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(s.Encryptor, refresh); err != nil {
			return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	default:
		return Credential{}, fmt.Errorf("token file has unsupported encryption_version %d", tf.EncryptionVersion)
	}
	c := Credential{AccessToken: access, RefreshToken: refresh, Scopes: tf.Scopes}
	if tf.ExpiresAt != nil {
		c.ExpiresAt = *tf.ExpiresAt
	}
	if c.IsZero() {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

// Save writes c atomically (temp file + rename) with mode 0600.
func (s *FileStore) Save(ctx context.Context, c Credential) error {
	tf := tokenFile{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, Scopes: c.Scopes}
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt.UTC()
		tf.ExpiresAt = &exp
	}
	if s.Encryptor != nil {
		var err error
		if tf.AccessToken, err = crypto.EncryptString(s.Encryptor, c.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if tf.RefreshToken, err = crypto.EncryptString(s.Encryptor, c.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		tf.EncryptionVersion = encryptionAESGCM
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
