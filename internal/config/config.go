// Package config loads bugbeats settings from a .env file, an optional TOML
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// ErrMissingCredentials is returned when the Spotify client id or secret is unset.
var ErrMissingCredentials = errors.New("missing SPOTIFY_CLIENT_ID or SPOTIFY_CLIENT_SECRET")

// Defaults.
const (
	DefaultAddr        = "127.0.0.1:5000"
	DefaultRedirectURI = "http://127.0.0.1:5000/callback"
	DefaultTokenFile   = "spotify_tokens.json"
	DefaultRedisKey    = "bugbeats:credentials"
	DefaultCallTimeout = 5 * time.Second
	DefaultLogLevel    = "info"
)

// Backend names a credential storage backend.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config is the full application configuration.
type Config struct {
	Spotify  SpotifyConfig  `toml:"spotify"`
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Playback PlaybackConfig `toml:"playback"`
	Log      LogConfig      `toml:"log"`
}

// SpotifyConfig contains Spotify API credentials.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr string `toml:"addr"`

	// ThrottlePerSecond limits trigger requests per user. Zero disables it.
	ThrottlePerSecond float64 `toml:"throttle_per_second"`
	ThrottleBurst     int     `toml:"throttle_burst"`
}

// StorageConfig selects where credentials are persisted.
type StorageConfig struct {
	TokenFile   string `toml:"token_file"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	RedisKey    string `toml:"redis_key"`
}

// PlaybackConfig tunes the playback controller.
type PlaybackConfig struct {
	RequireDevice bool     `toml:"require_device"`
	CallTimeout   Duration `toml:"call_timeout"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that decodes from strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURI: DefaultRedirectURI,
		},
		Server: ServerConfig{
			Addr:              DefaultAddr,
			ThrottlePerSecond: 1,
			ThrottleBurst:     3,
		},
		Storage: StorageConfig{
			TokenFile: DefaultTokenFile,
			RedisKey:  DefaultRedisKey,
		},
		Playback: PlaybackConfig{
			CallTimeout: Duration{DefaultCallTimeout},
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded into the environment if present; path, when non-empty, names a TOML
// file layered over the defaults; environment variables override both.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Spotify.ClientID, "SPOTIFY_CLIENT_ID")
	setString(&c.Spotify.ClientSecret, "SPOTIFY_CLIENT_SECRET")
	setString(&c.Spotify.RedirectURI, "SPOTIFY_REDIRECT_URI")
	setString(&c.Server.Addr, "BUGBEATS_ADDR")
	setString(&c.Storage.TokenFile, "BUGBEATS_TOKEN_FILE")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.RedisURL, "REDIS_URL")
	setString(&c.Log.Level, "BUGBEATS_LOG_LEVEL")

	if v := os.Getenv("BUGBEATS_REQUIRE_DEVICE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing BUGBEATS_REQUIRE_DEVICE: %w", err)
		}
		c.Playback.RequireDevice = b
	}
	if v := os.Getenv("BUGBEATS_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing BUGBEATS_CALL_TIMEOUT: %w", err)
		}
		c.Playback.CallTimeout = Duration{d}
	}
	if v := os.Getenv("BUGBEATS_THROTTLE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parsing BUGBEATS_THROTTLE: %w", err)
		}
		c.Server.ThrottlePerSecond = f
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate reports configuration that cannot run a server.
func (c *Config) Validate() error {
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return ErrMissingCredentials
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	if c.Playback.CallTimeout.Duration <= 0 {
		return fmt.Errorf("invalid call timeout %s", c.Playback.CallTimeout)
	}
	if c.Server.ThrottlePerSecond < 0 {
		return fmt.Errorf("invalid throttle %v", c.Server.ThrottlePerSecond)
	}
	return nil
}

// Backend returns the configured storage backend: postgres when a database
// URL is set, else redis when a redis URL is set, else the token file.
func (c *Config) Backend() Backend {
	switch {
	case c.Storage.DatabaseURL != "":
		return BackendPostgres
	case c.Storage.RedisURL != "":
		return BackendRedis
	default:
		return BackendFile
	}
}

// Write encodes the configuration as TOML to path. It refuses to overwrite
// an existing file.
func (c *Config) Write(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}
