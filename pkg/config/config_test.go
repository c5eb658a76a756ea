package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 0
	cfg.RateLimiting.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"buffer order", func(c *Config) { c.Buffer.Warning = 40 }},
		{"zero critical", func(c *Config) { c.Buffer.Critical = 0 }},
		{"only bandwidth url", func(c *Config) { c.Network.BandwidthURL = "http://probe/payload" }},
		{"zero probe interval", func(c *Config) { c.Network.ProbeInterval = 0 }},
		{"cv order", func(c *Config) { c.Network.FluctuatingCV = 0.4 }},
		{"trend window too wide", func(c *Config) { c.Network.TrendWindow = 5 }},
		{"zero blob limit", func(c *Config) { c.Resources.MaxBlobURLs = 0 }},
		{"zero batch size", func(c *Config) { c.Connection.BatchSize = 0 }},
		{"bad scheme", func(c *Config) { c.Connection.EndpointScheme = "ftp" }},
		{"zero fast interval", func(c *Config) { c.Monitoring.FastInterval = 0 }},
		{"redis without channel", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = ""
		}},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }},
		{"rate limit rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.RequestsPerSecond = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Resources.MaxBlobURLs != 50 {
		t.Errorf("MaxBlobURLs = %d, want 50", cfg.Resources.MaxBlobURLs)
	}
	if cfg.Network.ProbeInterval != 10*time.Second {
		t.Errorf("ProbeInterval = %v, want 10s", cfg.Network.ProbeInterval)
	}
	if cfg.Monitoring.NetworkInterval != 5*time.Second {
		t.Errorf("NetworkInterval = %v, want 5s", cfg.Monitoring.NetworkInterval)
	}
}

func TestLoad_YAMLOverlayAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perfd.yaml")
	yamlDoc := `
server:
  address: "0.0.0.0:9000"
connection:
  primary_endpoints: ["cdn1.example.com", "cdn2.example.com"]
  batch_timeout: 250ms
resources:
  max_blob_urls: 20
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STREAMPERF_LOG_LEVEL", "debug")
	t.Setenv("STREAMPERF_MAX_BLOB_URLS", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != "0.0.0.0:9000" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if len(cfg.Connection.PrimaryEndpoints) != 2 {
		t.Errorf("PrimaryEndpoints = %v", cfg.Connection.PrimaryEndpoints)
	}
	if cfg.Connection.BatchTimeout != 250*time.Millisecond {
		t.Errorf("BatchTimeout = %v", cfg.Connection.BatchTimeout)
	}
	if cfg.Connection.BatchSize != 5 {
		t.Errorf("BatchSize default lost, got %d", cfg.Connection.BatchSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want env override", cfg.Logging.Level)
	}
	if cfg.Resources.MaxBlobURLs != 30 {
		t.Errorf("MaxBlobURLs = %d, want env override 30", cfg.Resources.MaxBlobURLs)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("STREAMPERF_MAX_BLOB_URLS", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for non-numeric override")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
