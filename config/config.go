// Package config loads and saves the podcaster configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robertmeta/podcaster/logger"
	"github.com/robertmeta/podcaster/model"
	"github.com/spf13/viper"
)

// Defaults for optional configuration keys.
const (
	DefaultMaxParallelDownloads = 5
	DefaultEpisodesPerPodcast   = 1
	DefaultTimeout              = 30 * time.Second
	DefaultMaxRetries           = 2
	DefaultRetryDelay           = 2 * time.Second
	DefaultUserAgent            = "podcaster/0.1"
)

const (
	appDir     = "podcaster"
	configName = "config.toml"
	historyDB  = "history.db"
)

// Config represents the configuration file.
type Config struct {
	DownloadDir          string               `mapstructure:"download_dir"`
	MaxParallelDownloads int                  `mapstructure:"max_parallel_downloads"`
	EpisodesPerPodcast   int                  `mapstructure:"episodes_per_podcast"`
	Since                string               `mapstructure:"since"`
	Timeout              time.Duration        `mapstructure:"timeout"`
	MaxRetries           int                  `mapstructure:"max_retries"`
	RetryDelay           time.Duration        `mapstructure:"retry_delay"`
	RateLimit            int64                `mapstructure:"rate_limit"`
	UserAgent            string               `mapstructure:"user_agent"`
	HistoryDB            string               `mapstructure:"history_db"`
	Logging              logger.Config        `mapstructure:"logging"`
	Podcasts             []model.Subscription `mapstructure:"podcast"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
}

// Default returns a configuration with every optional key set.
func Default() *Config {
	return &Config{
		MaxParallelDownloads: DefaultMaxParallelDownloads,
		EpisodesPerPodcast:   DefaultEpisodesPerPodcast,
		Timeout:              DefaultTimeout,
		MaxRetries:           DefaultMaxRetries,
		RetryDelay:           DefaultRetryDelay,
		UserAgent:            DefaultUserAgent,
		Logging: logger.Config{
			Level:      "warn",
			Format:     "console",
			OutputPath: "stderr",
		},
	}
}

// DefaultPath returns <user config dir>/podcaster/config.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("unable to find application config base directory: %w", err)
	}
	return filepath.Join(dir, appDir, configName), nil
}

// Load reads the configuration from path, or from DefaultPath when path is
// empty. Environment variables prefixed with PODCASTER_ override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("PODCASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Path = path

	cfg.DownloadDir = expandPath(cfg.DownloadDir)
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(filepath.Dir(path), historyDB)
	}
	cfg.HistoryDB = expandPath(cfg.HistoryDB)
	if cfg.Logging.OutputPath != "stdout" && cfg.Logging.OutputPath != "stderr" {
		cfg.Logging.OutputPath = expandPath(cfg.Logging.OutputPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers defaults so AutomaticEnv can override keys that are
// missing from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("download_dir", "")
	v.SetDefault("max_parallel_downloads", cfg.MaxParallelDownloads)
	v.SetDefault("episodes_per_podcast", cfg.EpisodesPerPodcast)
	v.SetDefault("since", "")
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("retry_delay", cfg.RetryDelay)
	v.SetDefault("rate_limit", 0)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("history_db", "")
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.OutputPath)
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return errors.New("download_dir is not configured")
	}
	if c.MaxParallelDownloads < 1 {
		return fmt.Errorf("max_parallel_downloads must be at least 1, got %d", c.MaxParallelDownloads)
	}
	if c.EpisodesPerPodcast < 0 {
		return fmt.Errorf("episodes_per_podcast cannot be negative, got %d", c.EpisodesPerPodcast)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %d", c.RateLimit)
	}
	if _, err := Cutoff(c.Since, time.Now()); err != nil {
		return fmt.Errorf("since: %w", err)
	}
	for i := range c.Podcasts {
		if err := c.Podcasts[i].Validate(); err != nil {
			return fmt.Errorf("podcast #%d: %w", i+1, err)
		}
	}
	return nil
}

// Watermark returns the publication cut-off implied by Since, or the zero
// time when no watermark is configured.
func (c *Config) Watermark(now time.Time) time.Time {
	cutoff, err := Cutoff(c.Since, now)
	if err != nil {
		return time.Time{}
	}
	return cutoff
}

// Save writes the configuration to path as TOML.
func Save(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigType("toml")

	v.Set("download_dir", cfg.DownloadDir)
	v.Set("max_parallel_downloads", cfg.MaxParallelDownloads)
	v.Set("episodes_per_podcast", cfg.EpisodesPerPodcast)
	if cfg.Since != "" {
		v.Set("since", cfg.Since)
	}
	v.Set("timeout", cfg.Timeout.String())
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("retry_delay", cfg.RetryDelay.String())
	if cfg.RateLimit > 0 {
		v.Set("rate_limit", cfg.RateLimit)
	}
	v.Set("user_agent", cfg.UserAgent)
	v.Set("logging", map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
		"output": cfg.Logging.OutputPath,
	})

	// go-toml only honours toml tags, so subscriptions are written as maps.
	podcasts := make([]map[string]interface{}, 0, len(cfg.Podcasts))
	for _, p := range cfg.Podcasts {
		entry := map[string]interface{}{"feed_url": p.FeedURL}
		if p.Title != "" {
			entry["title"] = p.Title
		}
		podcasts = append(podcasts, entry)
	}
	v.Set("podcast", podcasts)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// AddSubscriptions appends subscriptions whose feed URL is not yet present.
// It returns the number added.
func (c *Config) AddSubscriptions(subs []model.Subscription) int {
	seen := make(map[string]bool, len(c.Podcasts))
	for _, p := range c.Podcasts {
		seen[p.FeedURL] = true
	}

	added := 0
	for _, s := range subs {
		if s.FeedURL == "" || seen[s.FeedURL] {
			continue
		}
		seen[s.FeedURL] = true
		c.Podcasts = append(c.Podcasts, s)
		added++
	}
	return added
}

// expandPath expands environment variables and ~ in paths.
func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}
