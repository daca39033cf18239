// Package config loads the settings of a deck replica from a YAML file,
// DECK_* environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shinyes/yep_deck/pkg/store"
)

const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

var (
	ErrNoSlides   = errors.New("config: no slides")
	ErrBackend    = errors.New("config: unknown backend")
	ErrLogLevel   = errors.New("config: unknown log level")
	ErrBadSetting = errors.New("config: invalid setting")
)

type Config struct {
	Room          string        `mapstructure:"room"`
	Speaker       bool          `mapstructure:"speaker"`
	Slides        []string      `mapstructure:"slides"`
	DeckURL       string        `mapstructure:"deck_url"`
	Backend       string        `mapstructure:"backend"`
	DataDir       string        `mapstructure:"data_dir"`
	SyncWrites    bool          `mapstructure:"sync_writes"`
	LogLevel      string        `mapstructure:"log_level"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	FrameInterval time.Duration `mapstructure:"frame_interval"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`

	Presence struct {
		Lease        time.Duration `mapstructure:"lease"`
		ReapInterval time.Duration `mapstructure:"reap_interval"`
	} `mapstructure:"presence"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("room", "default")
	v.SetDefault("speaker", false)
	v.SetDefault("slides", []string{})
	v.SetDefault("deck_url", "")
	v.SetDefault("backend", BackendLocal)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sync_writes", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("frame_interval", 16*time.Millisecond)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("presence.lease", 15*time.Second)
	v.SetDefault("presence.reap_interval", 5*time.Second)
}

// Flags returns the flag set understood by Load. Flag names use dashes where
// the file uses underscores and dots.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file (default: ./deck.yaml if present)")
	fs.String("room", "", "room to join")
	fs.Bool("speaker", false, "join as the speaker")
	fs.StringSlice("slides", nil, "slide names, in order")
	fs.String("deck-url", "", "deck URL shown to the speaker")
	fs.String("backend", "", "log backend: local or redis")
	fs.String("data-dir", "", "directory of local room stores")
	fs.Bool("sync-writes", false, "sync every local append to disk")
	fs.String("redis-addr", "", "redis address")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	return fs
}

var flagKeys = map[string]string{
	"room":         "room",
	"speaker":      "speaker",
	"slides":       "slides",
	"deck-url":     "deck_url",
	"backend":      "backend",
	"data-dir":     "data_dir",
	"sync-writes":  "sync_writes",
	"redis-addr":   "redis.addr",
	"log-level":    "log_level",
	"metrics-addr": "metrics_addr",
}

// Load reads the configuration. fs may be nil; only flags that were set on
// the command line override the file and the environment.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("deck")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later.
func (c *Config) Validate() error {
	if len(c.Slides) == 0 {
		return ErrNoSlides
	}
	if err := store.ValidateRoom(c.Room); err != nil {
		return fmt.Errorf("%w: room: %v", ErrBadSetting, err)
	}
	switch c.Backend {
	case BackendLocal, BackendRedis:
	default:
		return fmt.Errorf("%w: %q", ErrBackend, c.Backend)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrLogLevel, c.LogLevel)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("%w: frame_interval must be positive", ErrBadSetting)
	}
	if c.Presence.Lease <= 0 {
		return fmt.Errorf("%w: presence.lease must be positive", ErrBadSetting)
	}
	if c.Presence.ReapInterval < 0 {
		return fmt.Errorf("%w: presence.reap_interval must not be negative", ErrBadSetting)
	}
	return nil
}
