package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fly-io/stagehand/pkg/state"
)

// Config holds all application configuration
type Config struct {
	// Installation root; every other path defaults to a child of it.
	Home string `mapstructure:"home"`

	// Seeds for a new State Record
	Channel        string `mapstructure:"channel"`
	MaxFailedBoots int    `mapstructure:"max-failed-boots"`

	RetainVersions int           `mapstructure:"retain-versions"`
	HealthTimeout  time.Duration `mapstructure:"health-timeout"`
	UpdateLockTTL  time.Duration `mapstructure:"update-lock-ttl"`
	Entrypoint     string        `mapstructure:"entrypoint"`

	// Release source
	ManifestSource string `mapstructure:"manifest-source"`
	ManifestURL    string `mapstructure:"manifest-url"`
	S3Bucket       string `mapstructure:"s3-bucket"`
	S3Region       string `mapstructure:"s3-region"`
	S3Prefix       string `mapstructure:"s3-prefix"`
	S3Endpoint     string `mapstructure:"s3-endpoint"`

	// Manifest signing keys, hex encoded ed25519
	PublicKeys    []string `mapstructure:"public-keys"`
	AllowUnsigned bool     `mapstructure:"allow-unsigned"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
	MaxEntries          int     `mapstructure:"max-entries"`
	MaxDownloadSize     int64   `mapstructure:"max-download-size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	LogLevel        string `mapstructure:"log-level"`
	LogFile         string `mapstructure:"log-file"`
	MetricsTextfile string `mapstructure:"metrics-textfile"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("home", filepath.Join("$HOME", ".stagehand"))
	viper.SetDefault("channel", string(state.ChannelStable))
	viper.SetDefault("max-failed-boots", state.DefaultMaxFailedBoots)
	viper.SetDefault("retain-versions", 3)
	viper.SetDefault("health-timeout", 30*time.Second)
	viper.SetDefault("update-lock-ttl", 10*time.Minute)
	viper.SetDefault("entrypoint", "bin/app")
	viper.SetDefault("manifest-source", "http")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("allow-unsigned", false)
	viper.SetDefault("max-file-size", 2*1024*1024*1024)
	viper.SetDefault("max-total-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("max-entries", 100000)
	viper.SetDefault("max-download-size", 4*1024*1024*1024)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be STAGEHAND_HOME, etc.)
	viper.SetEnvPrefix("STAGEHAND")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.stagehand")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Home = expandHome(cfg.Home)

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home cannot be empty")
	}
	if _, err := state.ParseChannel(c.Channel); err != nil {
		return err
	}
	if c.MaxFailedBoots <= 0 {
		return fmt.Errorf("max-failed-boots must be positive")
	}
	if c.RetainVersions <= 0 {
		return fmt.Errorf("retain-versions must be positive")
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("health-timeout must be positive")
	}
	if c.Entrypoint == "" {
		return fmt.Errorf("entrypoint cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.MaxDownloadSize <= 0 {
		return fmt.Errorf("max-download-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// ValidateSource checks the settings needed to fetch releases. Commands
// that never contact the release source skip it.
func (c *Config) ValidateSource() error {
	switch c.ManifestSource {
	case "http":
		if c.ManifestURL == "" {
			return fmt.Errorf("manifest-url is required for the http source")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3-bucket cannot be empty")
		}
	default:
		return fmt.Errorf("manifest-source must be http or s3, got %q", c.ManifestSource)
	}
	if len(c.PublicKeys) == 0 && !c.AllowUnsigned {
		return fmt.Errorf("public-keys is required unless allow-unsigned is set")
	}
	return nil
}

// Paths below the installation root.

func (c *Config) StatePath() string   { return filepath.Join(c.Home, "state.json") }
func (c *Config) LocksDir() string    { return filepath.Join(c.Home, "locks") }
func (c *Config) VersionsDir() string { return filepath.Join(c.Home, "versions") }
func (c *Config) JournalPath() string { return filepath.Join(c.Home, "journal.db") }
func (c *Config) FSMDBPath() string   { return filepath.Join(c.Home, "fsm") }
func (c *Config) WorkDir() string     { return filepath.Join(c.Home, "work") }
func (c *Config) RunDir() string      { return filepath.Join(c.Home, "run") }
func (c *Config) LogsDir() string     { return filepath.Join(c.Home, "logs") }

func expandHome(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(os.ExpandEnv(p))
}
