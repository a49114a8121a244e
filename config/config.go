package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKey is a key/secret pair accepted by the gateway. Requests are signed
// with HMAC-SHA256 over the secret.
type APIKey struct {
	Key    string `toml:"Key"`
	Secret string `toml:"Secret"`
}

// Config captures the runtime configuration of an escrowd node.
type Config struct {
	ListenAddress      string   `toml:"ListenAddress"`
	MetricsAddress     string   `toml:"MetricsAddress"`
	DataDir            string   `toml:"DataDir"`
	Environment        string   `toml:"Environment"`
	LogFile            string   `toml:"LogFile"`
	TimestampSkew      string   `toml:"TimestampSkew"`
	RateLimitPerSecond float64  `toml:"RateLimitPerSecond"`
	RateLimitBurst     int      `toml:"RateLimitBurst"`
	APIKeys            []APIKey `toml:"APIKeys"`
}

// Load reads the configuration from path, creating a default file when none
// exists, then applies environment variable overrides and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:      ":8081",
		MetricsAddress:     ":9091",
		DataDir:            "./data",
		Environment:        "dev",
		TimestampSkew:      "2m",
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
	}
}

func writeDefault(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create default config %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CLEARHOLD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("CLEARHOLD_METRICS_LISTEN")); v != "" {
		cfg.MetricsAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("CLEARHOLD_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CLEARHOLD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("CLEARHOLD_LOG_FILE")); v != "" {
		cfg.LogFile = v
	}
}

// Validate checks the configuration for obvious misconfiguration before the
// daemon starts serving.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if _, err := c.Skew(); err != nil {
		return err
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("config: RateLimitPerSecond must not be negative")
	}
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: APIKeys[%d] requires both Key and Secret", i)
		}
	}
	return nil
}

// Skew parses the allowed HMAC timestamp skew.
func (c *Config) Skew() (time.Duration, error) {
	raw := strings.TrimSpace(c.TimestampSkew)
	if raw == "" {
		return 2 * time.Minute, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse TimestampSkew: %w", err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: TimestampSkew must be positive")
	}
	return dur, nil
}

// DatabasePath returns the location of the bbolt escrow database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "escrow.db")
}

// GatewayDatabasePath returns the location of the gateway's sqlite database
// (idempotency keys, audit log, webhooks).
func (c *Config) GatewayDatabasePath() string {
	return filepath.Join(c.DataDir, "gateway.db")
}

// Secrets returns the API keys as a map for the authenticator.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for _, key := range c.APIKeys {
		out[strings.TrimSpace(key.Key)] = strings.TrimSpace(key.Secret)
	}
	return out
}
