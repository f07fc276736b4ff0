package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/soundbot/crypto"
)

// DefaultProvider is the oauth_tokens row key used by DBStore.
const DefaultProvider = "twitch"

// DBStore keeps the credential in the Postgres oauth_tokens table, one row per
// provider. Tokens are sealed with Encryptor when it is set
// (encryption_version=1); plaintext rows (version 0) are still readable.
type DBStore struct {
	DB        *sql.DB
	Encryptor crypto.Encryptor
	Provider  string
}

func (s *DBStore) provider() string {
	if s.Provider == "" {
		return DefaultProvider
	}
	return s.Provider
}

func (s *DBStore) Load(ctx context.Context) (Credential, error) {
	var (
		access, refresh, scope string
		expiry                 sql.NullTime
		encVersion             int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, s.provider())
	err := row.Scan(&access, &refresh, &expiry, &scope, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load oauth token: %w", err)
	}
	if encVersion == encryptionAESGCM {
		if s.Encryptor == nil {
			return Credential{}, errors.New("token is encrypted but no encryption key is configured")
		}
		if access, err = crypto.DecryptString(s.Encryptor, access); err != nil {
			return Credential{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(s.Encryptor, refresh); err != nil {
			return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	c := Credential{AccessToken: access, RefreshToken: refresh, Scopes: strings.Fields(scope)}
	if expiry.Valid {
		c.ExpiresAt = expiry.Time
	}
	if c.IsZero() {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *DBStore) Save(ctx context.Context, c Credential) error {
	access, refresh := c.AccessToken, c.RefreshToken
	encVersion := encryptionNone
	if s.Encryptor != nil {
		var err error
		if access, err = crypto.EncryptString(s.Encryptor, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.Encryptor, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = encryptionAESGCM
	}
	var expiry sql.NullTime
	if !c.ExpiresAt.IsZero() {
		expiry = sql.NullTime{Time: c.ExpiresAt, Valid: true}
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, s.provider(), access, refresh, expiry, strings.Join(c.Scopes, " "), encVersion); err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	return nil
}

func (s *DBStore) Clear(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, s.provider()); err != nil {
		return fmt.Errorf("clear oauth token: %w", err)
	}
	return nil
}
