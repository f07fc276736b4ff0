// Command soundbot plays a local sound clip whenever a viewer redeems a
// matching channel point reward. It:
//   - Loads configuration and initializes structured logging.
//   - Obtains a Twitch user token (authorization code grant) and keeps it
//     refreshed, persisting it encrypted on disk or in Postgres.
//   - Holds an EventSub WebSocket session for reward redemptions and plays
//     each redemption's clip concurrently.
//   - Exposes /healthz, /readyz, /status and /metrics on BIND_ADDRESS.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/soundbot/audio"
	"github.com/onnwee/soundbot/auth"
	"github.com/onnwee/soundbot/bot"
	"github.com/onnwee/soundbot/config"
	"github.com/onnwee/soundbot/credential"
	"github.com/onnwee/soundbot/crypto"
	"github.com/onnwee/soundbot/db"
	"github.com/onnwee/soundbot/eventsub"
	"github.com/onnwee/soundbot/playback"
	"github.com/onnwee/soundbot/redemption"
	"github.com/onnwee/soundbot/server"
	"github.com/onnwee/soundbot/telemetry"
	"github.com/onnwee/soundbot/twitchapi"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("soundbot exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	setupLogging(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (run cmd/setup to create %s/.env)", err, cfg.ConfigDir)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("twitch-soundbot", version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc, err := crypto.NewTokenEncryptor(cfg.EncryptionKey, cfg.EventSubSecret)
	if err != nil {
		return fmt.Errorf("token encryption key: %w", err)
	}

	var database *sql.DB
	var store credential.Store = &credential.FileStore{Path: cfg.TokenPath, Encryptor: enc}
	if cfg.DBDsn != "" {
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("failed to open db: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Prepare(ctx, database); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		store = &credential.DBStore{DB: database, Encryptor: enc}
	}

	var (
		receiver     auth.CodeReceiver
		callback     http.Handler
		callbackPath string
	)
	switch cfg.AuthFlow {
	case "callback":
		cr := auth.NewCallbackReceiver(os.Stdout)
		receiver, callback = cr, cr
		callbackPath = redirectPath(cfg.RedirectURI)
	default:
		receiver = &auth.PasteReceiver{In: os.Stdin, Out: os.Stdout}
	}

	manager := auth.NewManager(auth.Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RedirectURI:   cfg.RedirectURI,
		Scopes:        []string{auth.ScopeChannelReadRedemptions},
		AuthBaseURL:   cfg.AuthBaseURL,
		RefreshMargin: cfg.RefreshMargin,
	}, store, receiver)
	helix := twitchapi.NewHelixClient(cfg.ClientID, manager, cfg.HelixBaseURL)

	resolver := playback.NewDirResolver(cfg.SoundsDir)
	engine := playback.NewEngine(resolver, audio.NewSpeaker(), 0, cfg.MaxConcurrentPlaybacks)
	engine.Start(ctx)
	dispatcher := redemption.NewDispatcher(engine)

	supervisor := bot.New(bot.Config{
		Broadcaster: cfg.BroadcasterID,
		Session: eventsub.SessionConfig{
			URL:                  cfg.EventSubURL,
			KeepaliveGrace:       cfg.KeepaliveGrace,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		ActivePlaybacks: engine.Active,
		Sounds:          resolver.Names,
	}, manager, helix, helix, eventsub.WebsocketDialer{}, dispatcher.OnNotification)

	handler := server.NewMux(ctx, server.Options{
		DB:           database,
		Reporter:     supervisor,
		Callback:     callback,
		CallbackPath: callbackPath,
		EnablePprof:  cfg.EnablePprof,
	})
	go func() {
		if err := server.Start(ctx, cfg.BindAddress, handler); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	manager.StartRefresher(ctx, 5*time.Minute, 15*time.Minute)

	runErr := supervisor.Run(ctx)
	stop()
	slog.Info("shutting down, waiting for playbacks")
	engine.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// setupLogging installs the default logger. Defaults: level=info, format=text.
func setupLogging(w io.Writer, level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func redirectPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
