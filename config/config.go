package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"merchantd/crypto"
)

// Duration wraps time.Duration to support TOML unmarshalling from human
// readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for merchantd.
type Config struct {
	Currency       string         `toml:"currency"`
	Environment    string         `toml:"environment"`
	LogFile        string         `toml:"log_file"`
	HTTP           HTTPConfig     `toml:"http"`
	Database       DatabaseConfig `toml:"database"`
	Keys           KeysConfig     `toml:"keys"`
	Telemetry      Telemetry      `toml:"telemetry"`
	Exchanges      []Exchange     `toml:"exchange"`
	Auditors       []Auditor      `toml:"auditor"`
	InstanceSeed   string         `toml:"instance_seed"`
	AdminSecret    string         `toml:"admin_secret"`
}

// HTTPConfig tunes the listener.
type HTTPConfig struct {
	Bind           string `toml:"bind"`
	MaxConnections int    `toml:"max_connections"`
	MetricsBind    string `toml:"metrics_bind"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// KeysConfig tunes the key-state manager.
type KeysConfig struct {
	Lookahead      Duration `toml:"lookahead"`
	CachePath      string   `toml:"cache_path"`
	RequireAuditor bool     `toml:"require_auditor"`
}

// Telemetry configures the optional OTLP trace exporter.
type Telemetry struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// Exchange describes one accepted note-issuing exchange.
type Exchange struct {
	URL       string `toml:"url"`
	MasterPub string `toml:"master_pub"`
	Trusted   bool   `toml:"trusted"`
}

// Auditor describes one accepted auditor.
type Auditor struct {
	Name      string `toml:"name"`
	URL       string `toml:"url"`
	PublicKey string `toml:"public_key"`
}

// Load reads configuration from the supplied path. Environment variables
// MERCHANTD_DB_DSN and MERCHANTD_BIND override the file for deployments that
// inject secrets at runtime.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if dsn := os.Getenv("MERCHANTD_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if bind := os.Getenv("MERCHANTD_BIND"); bind != "" {
		cfg.HTTP.Bind = bind
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Bind == "" {
		cfg.HTTP.Bind = ":9966"
	}
	if cfg.HTTP.MetricsBind == "" {
		cfg.HTTP.MetricsBind = "127.0.0.1:9967"
	}
	if cfg.HTTP.MaxConnections <= 0 {
		cfg.HTTP.MaxConnections = 1024
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Keys.Lookahead.Duration == 0 {
		cfg.Keys.Lookahead.Duration = time.Hour
	}
	if cfg.Keys.CachePath == "" {
		cfg.Keys.CachePath = "/var/data/merchantd-keys.db"
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Currency) == "" {
		return fmt.Errorf("currency must be configured")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database DSN must be configured")
	}
	if len(cfg.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	seen := make(map[string]bool, len(cfg.Exchanges))
	for i, ex := range cfg.Exchanges {
		u, err := url.Parse(ex.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("exchange %d: invalid url %q", i, ex.URL)
		}
		if seen[ex.URL] {
			return fmt.Errorf("exchange %d: duplicate url %q", i, ex.URL)
		}
		seen[ex.URL] = true
		if _, err := crypto.DecodePublicKey(ex.MasterPub); err != nil {
			return fmt.Errorf("exchange %d: %w", i, err)
		}
	}
	for i, aud := range cfg.Auditors {
		if strings.TrimSpace(aud.Name) == "" {
			return fmt.Errorf("auditor %d: name required", i)
		}
		if _, err := crypto.DecodePublicKey(aud.PublicKey); err != nil {
			return fmt.Errorf("auditor %q: %w", aud.Name, err)
		}
	}
	return nil
}

// TrustedExchangeURLs returns the URLs of exchanges flagged as trusted, in
// configuration order.
func (c Config) TrustedExchangeURLs() []string {
	out := make([]string, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Trusted {
			out = append(out, ex.URL)
		}
	}
	return out
}
