// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Limits    LimitsConfig    `yaml:"limits"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	API       APIConfig       `yaml:"api"`
}

// ProxyConfig configures the intercepting proxy.
type ProxyConfig struct {
	Host        string   `yaml:"host"` // informational; the listener binds all interfaces
	Port        int      `yaml:"port"`
	EnableHTTPS bool     `yaml:"enable_https"` // false: CONNECT becomes a blind tunnel
	BypassHosts []string `yaml:"bypass_hosts"` // domain suffixes never intercepted
}

// LimitsConfig configures body capture caps and bandwidth throttling.
type LimitsConfig struct {
	MaxRequestBodyBytes  int `yaml:"max_request_body_bytes"`
	MaxResponseBodyBytes int `yaml:"max_response_body_bytes"`
	UploadBytesPerSec    int `yaml:"upload_bytes_per_sec"`   // 0 = unthrottled
	DownloadBytesPerSec  int `yaml:"download_bytes_per_sec"` // 0 = unthrottled
}

// StorageConfig configures the SQLite request store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RetentionConfig configures the scheduled retention sweep.
type RetentionConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"` // cron expression
	MaxAgeHours   int    `yaml:"max_age_hours"`  // 0 = keep forever
}

// APIConfig configures the control API server.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:        "0.0.0.0",
			Port:        8888,
			EnableHTTPS: true,
		},
		Limits: LimitsConfig{
			MaxRequestBodyBytes:  1 << 20, // 1 MiB
			MaxResponseBodyBytes: 5 << 20, // 5 MiB
		},
		Retention: RetentionConfig{
			SweepSchedule: "17 * * * *",
			MaxAgeHours:   0,
		},
		API: APIConfig{
			Listen: "localhost:8890",
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "gander"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "gander"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from file, with environment variable overrides.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if cfg.Storage.DataDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return nil, fmt.Errorf("getting default data dir: %w", err)
		}
		cfg.Storage.DataDir = dir
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// Save writes the config to the specified path with restrictive permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GANDER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Proxy.Port = n
		}
	}
	if v := os.Getenv("GANDER_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("GANDER_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("GANDER_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("GANDER_ENABLE_HTTPS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Proxy.EnableHTTPS = b
		}
	}
}

// validate rejects configurations the engine cannot run with and fills
// zero-valued limits with their defaults.
func (c *Config) validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Limits.MaxRequestBodyBytes <= 0 {
		c.Limits.MaxRequestBodyBytes = 1 << 20
	}
	if c.Limits.MaxResponseBodyBytes <= 0 {
		c.Limits.MaxResponseBodyBytes = 5 << 20
	}
	return nil
}

// ListenAddr returns the proxy's bind address. The proxy listens on all
// interfaces so configured devices on the LAN can reach it.
func (c *ProxyConfig) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// DBPath returns the SQLite file path under the data directory.
func (c *StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "data", "traffic.db")
}
