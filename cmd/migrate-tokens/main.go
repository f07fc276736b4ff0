// Package main provides a CLI tool to move the soundbot's Twitch credential
// into encrypted storage.
//
// By default it re-writes the token file in place, sealing a legacy
// plaintext token.json with AES-256-GCM. With --to-db it copies the
// credential from the token file into the Postgres oauth_tokens table
// instead; the file is left untouched so the move can be verified first.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--to-db]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--to-db:   Copy the credential into DB_DSN instead of re-encrypting the file
//
// Environment Variables (read from the soundbot .env like the bot itself):
//
//	ENCRYPTION_KEY or EVENTSUB_SECRET: key material for AES-256-GCM (required)
//	TOKEN_PATH: token file location (default: <config dir>/token.json)
//	DB_DSN: Database connection string (required with --to-db)
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/soundbot/config"
	"github.com/onnwee/soundbot/credential"
	"github.com/onnwee/soundbot/crypto"
	"github.com/onnwee/soundbot/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	toDB := flag.Bool("to-db", false, "Copy the credential into the database named by DB_DSN")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(context.Background(), *dryRun, *toDB); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func run(ctx context.Context, dryRun, toDB bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if cfg.EncryptionKey == "" && cfg.EventSubSecret == "" {
		return errors.New("ENCRYPTION_KEY or EVENTSUB_SECRET is required for migration")
	}
	enc, err := crypto.NewTokenEncryptor(cfg.EncryptionKey, cfg.EventSubSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	src := &credential.FileStore{Path: cfg.TokenPath, Encryptor: enc}
	var dst credential.Store = src
	if toDB {
		if cfg.DBDsn == "" {
			return errors.New("DB_DSN is required with --to-db")
		}
		var database *sql.DB
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		if err := db.Prepare(ctx, database); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		dst = &credential.DBStore{DB: database, Encryptor: enc}
	}

	slog.Info("migrating credential",
		slog.String("token_path", cfg.TokenPath),
		slog.Bool("to_db", toDB),
		slog.Bool("dry_run", dryRun))
	moved, err := migrateToken(ctx, src, dst, dryRun)
	if err != nil {
		return err
	}
	if !moved {
		slog.Info("no credential found to migrate", slog.String("token_path", cfg.TokenPath))
	}
	return nil
}

// migrateToken copies the credential held by src into dst and reads it back.
// It reports false when src holds no credential.
func migrateToken(ctx context.Context, src, dst credential.Store, dryRun bool) (bool, error) {
	c, err := src.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}
	if dryRun {
		slog.Info("would migrate credential (dry-run)",
			slog.Bool("has_refresh_token", c.Refreshable()),
			slog.Time("expires_at", c.ExpiresAt))
		return true, nil
	}
	if err := dst.Save(ctx, c); err != nil {
		return false, fmt.Errorf("save credential: %w", err)
	}

	got, err := dst.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("verify credential: %w", err)
	}
	if got.AccessToken != c.AccessToken || got.RefreshToken != c.RefreshToken {
		return false, errors.New("verify credential: stored tokens do not match the source")
	}
	return true, nil
}
