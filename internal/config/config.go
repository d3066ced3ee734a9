package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Instances InstancesConfig `yaml:"instances"`
	Export    ExportConfig    `yaml:"export"`
	Seed      SeedConfig      `yaml:"seed"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Download  DownloadConfig  `yaml:"download"`
	Sync      SyncConfig      `yaml:"sync"`
	Resolver  ResolverConfig  `yaml:"resolver"`
}

// ServerConfig holds backend settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	// APIURL is where client commands reach the backend.
	APIURL string `yaml:"api_url"`
}

// InstancesConfig locates the game instances on disk
type InstancesConfig struct {
	Root string `yaml:"root"`
}

// ExportConfig holds package building settings
type ExportConfig struct {
	OutputDir        string `yaml:"output_dir"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
}

// SeedConfig holds seeding settings
type SeedConfig struct {
	BindHost        string        `yaml:"bind_host"`
	DefaultProvider string        `yaml:"default_provider"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

// TunnelConfig configures the tunnel providers
type TunnelConfig struct {
	OpenTimeout time.Duration `yaml:"open_timeout"`
	Relay       RelayConfig   `yaml:"relay"`
	Edge        EdgeConfig    `yaml:"edge"`
}

// RelayConfig points at a websocket relay
type RelayConfig struct {
	URL string `yaml:"url"`
}

// EdgeConfig describes the edge connector subprocess. Args may reference
// {port} and {url}, which are substituted at launch.
type EdgeConfig struct {
	Binary     string   `yaml:"binary"`
	Args       []string `yaml:"args"`
	URLPattern string   `yaml:"url_pattern,omitempty"`
}

// DownloadConfig holds peer download settings
type DownloadConfig struct {
	StagingDir   string        `yaml:"staging_dir"`
	OutputDir    string        `yaml:"output_dir"`
	ChunkSize    string        `yaml:"chunk_size"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	StallAbort   time.Duration `yaml:"stall_abort"`
}

// SyncConfig holds the client reconciliation settings
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ResolverConfig points at a mod catalog
type ResolverConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:7420",
			DataDir: "/var/lib/packshare",
			DBPath:  "",
			APIURL:  "http://127.0.0.1:7420",
		},
		Instances: InstancesConfig{
			Root: "instances",
		},
		Export: ExportConfig{
			OutputDir:        "exports",
			Compression:      "zstd",
			CompressionLevel: 3,
		},
		Seed: SeedConfig{
			BindHost:        "127.0.0.1",
			DefaultProvider: "edge",
			ShutdownGrace:   5 * time.Second,
		},
		Tunnel: TunnelConfig{
			OpenTimeout: 30 * time.Second,
			Relay:       RelayConfig{URL: ""},
			Edge: EdgeConfig{
				Binary: "cloudflared",
				Args:   []string{"tunnel", "--no-autoupdate", "--url", "{url}"},
			},
		},
		Download: DownloadConfig{
			StagingDir:   "staging",
			OutputDir:    "downloads",
			ChunkSize:    "256KB",
			StallTimeout: 15 * time.Second,
			StallAbort:   2 * time.Minute,
		},
		Sync: SyncConfig{
			Interval: 10 * time.Second,
		},
		Resolver: ResolverConfig{
			BaseURL:   "https://api.modrinth.com",
			UserAgent: "packshare",
			Timeout:   20 * time.Second,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"packshare.yaml",
		"/etc/packshare/packshare.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "packshare", "packshare.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.Seed.DefaultProvider {
	case "relay", "edge":
	default:
		errs = append(errs, fmt.Errorf("seed.default_provider: unknown tunnel provider %q", c.Seed.DefaultProvider))
	}
	if c.Seed.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("seed.shutdown_grace must be positive"))
	}
	if c.Tunnel.OpenTimeout <= 0 {
		errs = append(errs, errors.New("tunnel.open_timeout must be positive"))
	}
	if c.Download.StallTimeout <= 0 {
		errs = append(errs, errors.New("download.stall_timeout must be positive"))
	}
	if c.Download.StallAbort < c.Download.StallTimeout {
		errs = append(errs, errors.New("download.stall_abort must not be shorter than stall_timeout"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, errors.New("resolver.timeout must be positive"))
	}
	switch c.Export.Compression {
	case "zstd", "xz":
	default:
		errs = append(errs, fmt.Errorf("export.compression %q must be zstd or xz", c.Export.Compression))
	}
	if c.Export.CompressionLevel < 1 || c.Export.CompressionLevel > 4 {
		errs = append(errs, fmt.Errorf("export.compression_level %d out of range 1-4", c.Export.CompressionLevel))
	}
	if n, err := ParseSize(c.Download.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("download.chunk_size: %w", err))
	} else if n <= 0 {
		errs = append(errs, errors.New("download.chunk_size must be positive"))
	}
	return errors.Join(errs...)
}

// DataPath resolves a possibly relative directory against the data dir.
func (c *Config) DataPath(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Server.DataDir, dir)
}

// DatabasePath returns the sqlite path, defaulting under the data dir.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "packshare.db")
}

// ChunkSizeBytes returns download.chunk_size in bytes.
func (c *Config) ChunkSizeBytes() int64 {
	n, err := ParseSize(c.Download.ChunkSize)
	if err != nil || n <= 0 {
		return 256 * 1024
	}
	return n
}
