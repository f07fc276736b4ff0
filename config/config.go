// Package config loads the soundbot settings from the process environment and
// the per-user .env file written by the setup command, and provides a typed
// Config used across the service. Optional knobs get sensible defaults; the six
// values needed to talk to Twitch are required and checked by Validate.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppDirName is the directory under the user config dir holding .env and token.json.
const AppDirName = "twitch-soundbot"

// Names of the required values.
const (
	KeyClientID       = "CLIENT_ID"
	KeyClientSecret   = "CLIENT_SECRET"
	KeyRedirectURI    = "REDIRECT_URI"
	KeyBroadcasterID  = "BROADCASTER_ID"
	KeyBindAddress    = "BIND_ADDRESS"
	KeyEventSubSecret = "EVENTSUB_SECRET"
)

// Defaults offered by the setup command and applied when optional values are missing.
const (
	DefaultRedirectURI = "http://localhost/"
	DefaultBindAddress = "127.0.0.1:17564"
	DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"
	DefaultHelixURL    = "https://api.twitch.tv/helix"
	DefaultAuthURL     = "https://id.twitch.tv/oauth2"
)

// Provider yields named string values. os.LookupEnv satisfies it.
type Provider func(name string) (string, bool)

type Config struct {
	// Twitch application + target
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	BroadcasterID  string
	BindAddress    string
	EventSubSecret string

	// Endpoints (overridable for tests and mocks)
	EventSubURL  string
	HelixBaseURL string
	AuthBaseURL  string

	// Auth
	AuthFlow      string // paste | callback
	RefreshMargin time.Duration

	// Storage
	ConfigDir     string
	TokenPath     string
	DBDsn         string
	EncryptionKey string

	// Session
	KeepaliveGrace       float64
	MaxReconnectAttempts int

	// Playback
	SoundsDir              string
	MaxConcurrentPlaybacks int

	// Observability
	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
	EnablePprof  bool
}

// Dir returns the directory holding the soundbot .env and token files.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(base, AppDirName), nil
}

// FilePath returns the path of the .env file inside Dir.
func FilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".env"), nil
}

// Load reads the .env file (if present) into the environment, then builds the
// Config from the environment. It does not validate required values; call
// Validate before starting the bot.
func Load() (*Config, error) {
	if path, err := FilePath(); err == nil {
		// Real environment wins over the file (godotenv.Load never overrides).
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds a Config from the given provider and applies defaults.
func LoadFrom(lookup Provider) (*Config, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}
	cfg := &Config{
		ClientID:       get(KeyClientID),
		ClientSecret:   get(KeyClientSecret),
		RedirectURI:    get(KeyRedirectURI),
		BroadcasterID:  get(KeyBroadcasterID),
		BindAddress:    get(KeyBindAddress),
		EventSubSecret: get(KeyEventSubSecret),
		EventSubURL:    get("EVENTSUB_URL"),
		HelixBaseURL:   get("HELIX_BASE_URL"),
		AuthBaseURL:    get("TWITCH_AUTH_BASE_URL"),
		AuthFlow:       strings.ToLower(get("AUTH_FLOW")),
		DBDsn:          get("DB_DSN"),
		EncryptionKey:  get("ENCRYPTION_KEY"),
		TokenPath:      get("TOKEN_PATH"),
		SoundsDir:      get("SOUNDS_DIR"),
		LogLevel:       strings.ToLower(get("LOG_LEVEL")),
		LogFormat:      strings.ToLower(get("LOG_FORMAT")),
		OTLPEndpoint:   get("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnablePprof:    get("ENABLE_PPROF") == "1" || strings.EqualFold(get("ENABLE_PPROF"), "true"),
	}

	if cfg.EventSubURL == "" {
		cfg.EventSubURL = DefaultEventSubURL
	}
	if cfg.HelixBaseURL == "" {
		cfg.HelixBaseURL = DefaultHelixURL
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = DefaultAuthURL
	}
	switch cfg.AuthFlow {
	case "", "paste":
		cfg.AuthFlow = "paste"
	case "callback":
	default:
		return nil, fmt.Errorf("invalid AUTH_FLOW %q (want paste or callback)", cfg.AuthFlow)
	}
	if cfg.SoundsDir == "" {
		cfg.SoundsDir = "sounds"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	dir, err := Dir()
	if err != nil {
		dir = "."
	}
	cfg.ConfigDir = dir
	if cfg.TokenPath == "" {
		cfg.TokenPath = filepath.Join(dir, "token.json")
	}

	cfg.RefreshMargin = 2 * time.Minute
	if v := get("TOKEN_REFRESH_MARGIN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_REFRESH_MARGIN: %w", err)
		}
		cfg.RefreshMargin = d
	}
	if cfg.RefreshMargin < time.Minute {
		cfg.RefreshMargin = time.Minute
	}

	cfg.KeepaliveGrace = 1.5
	if v := get("KEEPALIVE_GRACE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 1 {
			return nil, fmt.Errorf("invalid KEEPALIVE_GRACE %q (want a factor >= 1)", v)
		}
		cfg.KeepaliveGrace = f
	}

	cfg.MaxReconnectAttempts, err = intValue(get("MAX_RECONNECT_ATTEMPTS"), 10)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_RECONNECT_ATTEMPTS: %w", err)
	}
	cfg.MaxConcurrentPlaybacks, err = intValue(get("MAX_CONCURRENT_PLAYBACKS"), 8)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_CONCURRENT_PLAYBACKS: %w", err)
	}

	return cfg, nil
}

func intValue(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

// Validate checks that every value needed to authenticate and subscribe is present.
func (c *Config) Validate() error {
	required := []struct{ name, value string }{
		{KeyClientID, c.ClientID},
		{KeyClientSecret, c.ClientSecret},
		{KeyRedirectURI, c.RedirectURI},
		{KeyBroadcasterID, c.BroadcasterID},
		{KeyBindAddress, c.BindAddress},
		{KeyEventSubSecret, c.EventSubSecret},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config: require %s", strings.Join(missing, ", "))
	}
	if len(c.EventSubSecret) < 10 || len(c.EventSubSecret) > 100 {
		return errors.New("EVENTSUB_SECRET must be between 10 and 100 characters")
	}
	return nil
}

// WriteFile persists values as a .env file, creating the parent directory.
func WriteFile(path string, values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

const secretCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSecret returns n random alphanumeric characters.
func GenerateSecret(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	limit := big.NewInt(int64(len(secretCharset)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		sb.WriteByte(secretCharset[idx.Int64()])
	}
	return sb.String(), nil
}
