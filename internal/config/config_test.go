package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"listen address", func(c *Config) string { return c.Server.Listen }, "127.0.0.1:7420"},
		{"data directory", func(c *Config) string { return c.Server.DataDir }, "/var/lib/packshare"},
		{"api url", func(c *Config) string { return c.Server.APIURL }, "http://127.0.0.1:7420"},
		{"bind host", func(c *Config) string { return c.Seed.BindHost }, "127.0.0.1"},
		{"default provider", func(c *Config) string { return c.Seed.DefaultProvider }, "edge"},
		{"edge binary", func(c *Config) string { return c.Tunnel.Edge.Binary }, "cloudflared"},
		{"chunk size", func(c *Config) string { return c.Download.ChunkSize }, "256KB"},
		{"resolver", func(c *Config) string { return c.Resolver.BaseURL }, "https://api.modrinth.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.ChunkSizeBytes() != 256*1024 {
		t.Errorf("ChunkSizeBytes() = %d", cfg.ChunkSizeBytes())
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "packshare.yaml")

	configContent := `
server:
  listen: "0.0.0.0:9000"
  data_dir: "/custom/data"
instances:
  root: "/games/instances"
seed:
  bind_host: "0.0.0.0"
  default_provider: relay
  shutdown_grace: 2s
tunnel:
  open_timeout: 45s
  relay:
    url: "wss://relay.example.net"
  edge:
    binary: "/opt/bin/cloudflared"
download:
  chunk_size: "1MB"
  stall_timeout: 5s
  stall_abort: 1m
sync:
  interval: 3s
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.Instances.Root != "/games/instances" {
		t.Errorf("Instances.Root = %q", cfg.Instances.Root)
	}
	if cfg.Seed.DefaultProvider != "relay" || cfg.Seed.ShutdownGrace != 2*time.Second {
		t.Errorf("Seed = %+v", cfg.Seed)
	}
	if cfg.Tunnel.OpenTimeout != 45*time.Second {
		t.Errorf("Tunnel.OpenTimeout = %v", cfg.Tunnel.OpenTimeout)
	}
	if cfg.Tunnel.Relay.URL != "wss://relay.example.net" {
		t.Errorf("Tunnel.Relay.URL = %q", cfg.Tunnel.Relay.URL)
	}
	if cfg.Tunnel.Edge.Binary != "/opt/bin/cloudflared" {
		t.Errorf("Tunnel.Edge.Binary = %q", cfg.Tunnel.Edge.Binary)
	}
	// untouched keys keep their defaults
	if len(cfg.Tunnel.Edge.Args) == 0 {
		t.Error("Tunnel.Edge.Args lost its default")
	}
	if cfg.ChunkSizeBytes() != 1024*1024 {
		t.Errorf("ChunkSizeBytes() = %d", cfg.ChunkSizeBytes())
	}
	if cfg.Download.StallAbort != time.Minute {
		t.Errorf("Download.StallAbort = %v", cfg.Download.StallAbort)
	}
	if cfg.Sync.Interval != 3*time.Second {
		t.Errorf("Sync.Interval = %v", cfg.Sync.Interval)
	}
	if cfg.DatabasePath() != filepath.Join("/custom/data", "packshare.db") {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	invalidContent := `
server:
  listen: "0.0.0.0:8080"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Seed.DefaultProvider = "carrier-pigeon" }, "default_provider"},
		{"zero open timeout", func(c *Config) { c.Tunnel.OpenTimeout = 0 }, "open_timeout"},
		{"negative grace", func(c *Config) { c.Seed.ShutdownGrace = -time.Second }, "shutdown_grace"},
		{"abort before stall", func(c *Config) { c.Download.StallAbort = time.Second }, "stall_abort"},
		{"bad chunk size", func(c *Config) { c.Download.ChunkSize = "huge" }, "chunk_size"},
		{"compression level", func(c *Config) { c.Export.CompressionLevel = 9 }, "compression_level"},
		{"compression codec", func(c *Config) { c.Export.Compression = "gzip" }, "export.compression"},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "packshare.yaml")
	cfg := DefaultConfig()
	cfg.Seed.DefaultProvider = "relay"
	cfg.Download.StallTimeout = 7 * time.Second

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Seed.DefaultProvider != "relay" || loaded.Download.StallTimeout != 7*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestDataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/srv/ps"
	if got := cfg.DataPath("exports"); got != filepath.Join("/srv/ps", "exports") {
		t.Errorf("DataPath(relative) = %q", got)
	}
	if got := cfg.DataPath("/abs/dir"); got != "/abs/dir" {
		t.Errorf("DataPath(absolute) = %q", got)
	}
}

// TestFindConfigFileNotFound tests that FindConfigFile returns error when no config exists
func TestFindConfigFileNotFound(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})
	t.Setenv("HOME", tempDir)

	if _, err := os.Stat("/etc/packshare/packshare.yaml"); err == nil {
		t.Skip("system config present")
	}
	if _, err := FindConfigFile(); err == nil {
		t.Error("FindConfigFile() succeeded, want error")
	}
}

func TestFindConfigFileInWorkingDir(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(originalWd) })

	if err := os.WriteFile("packshare.yaml", []byte("server:\n  listen: \":1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() error: %v", err)
	}
	if got != "packshare.yaml" {
		t.Errorf("FindConfigFile() = %q", got)
	}
}
