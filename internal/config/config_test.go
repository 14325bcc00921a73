package config

import (
	"testing"
	"time"
)

func valid() *Config {
	return &Config{
		Home:                "/var/lib/stagehand",
		Channel:             "stable",
		MaxFailedBoots:      3,
		RetainVersions:      3,
		HealthTimeout:       30 * time.Second,
		Entrypoint:          "bin/app",
		ManifestSource:      "http",
		ManifestURL:         "https://releases.example.com",
		PublicKeys:          []string{"00"},
		MaxFileSize:         1,
		MaxTotalSize:        1,
		MaxCompressionRatio: 1,
		MaxDownloadSize:     1,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty home", func(c *Config) { c.Home = "" }, true},
		{"unknown channel", func(c *Config) { c.Channel = "canary" }, true},
		{"zero max failed boots", func(c *Config) { c.MaxFailedBoots = 0 }, true},
		{"zero health timeout", func(c *Config) { c.HealthTimeout = 0 }, true},
		{"no entrypoint", func(c *Config) { c.Entrypoint = "" }, true},
		{"negative retries", func(c *Config) { c.FSMMaxRetries = -1 }, true},
		{"source not needed", func(c *Config) { c.ManifestURL = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSource(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"http", func(*Config) {}, false},
		{"http without url", func(c *Config) { c.ManifestURL = "" }, true},
		{"s3", func(c *Config) { c.ManifestSource = "s3"; c.S3Bucket = "releases" }, false},
		{"s3 without bucket", func(c *Config) { c.ManifestSource = "s3" }, true},
		{"unknown source", func(c *Config) { c.ManifestSource = "ftp" }, true},
		{"unsigned", func(c *Config) { c.PublicKeys = nil }, true},
		{"unsigned allowed", func(c *Config) { c.PublicKeys = nil; c.AllowUnsigned = true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.ValidateSource(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSource() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	c := &Config{Home: "/srv/app"}
	if got := c.StatePath(); got != "/srv/app/state.json" {
		t.Errorf("StatePath() = %s", got)
	}
	if got := c.VersionsDir(); got != "/srv/app/versions" {
		t.Errorf("VersionsDir() = %s", got)
	}
	if got := expandHome(""); got != "" {
		t.Errorf("expandHome(\"\") = %q", got)
	}
}
