package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"nftmarket/crypto"
	"nftmarket/storage"
)

// EnvPrefix scopes the environment overrides applied on top of the file.
const EnvPrefix = "MARKETD_"

// Duration wraps time.Duration to support YAML, TOML and environment decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations supplied by TOML files and environment
// variables.
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

// Config captures runtime configuration for marketd.
type Config struct {
	ListenAddress   string                     `yaml:"listen" toml:"listen" env:"LISTEN"`
	Environment     string                     `yaml:"environment" toml:"environment" env:"ENV"`
	ShutdownTimeout Duration                   `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Ledger          LedgerConfig               `yaml:"ledger" toml:"ledger" envPrefix:"LEDGER_"`
	Audit           AuditConfig                `yaml:"audit" toml:"audit" envPrefix:"AUDIT_"`
	Marketplace     MarketplaceConfig          `yaml:"marketplace" toml:"marketplace" envPrefix:"MARKET_"`
	Auth            AuthConfig                 `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Logging         LoggingConfig              `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
	Telemetry       TelemetryConfig            `yaml:"telemetry" toml:"telemetry" envPrefix:"OTEL_"`
	CORS            CORSConfig                 `yaml:"cors" toml:"cors" envPrefix:"CORS_"`
	Stream          StreamConfig               `yaml:"stream" toml:"stream" envPrefix:"STREAM_"`
	RateLimits      map[string]RateLimitConfig `yaml:"rate_limits" toml:"rate_limits"`
}

// LedgerConfig selects the key-value backend holding listings, tokens and
// balances.
type LedgerConfig struct {
	Backend string `yaml:"backend" toml:"backend" env:"BACKEND"`
	Path    string `yaml:"path" toml:"path" env:"PATH"`
}

// AuditConfig configures the relational store for the audit log and
// idempotency keys.
type AuditConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" toml:"dsn" env:"DSN"`
}

// MarketplaceConfig holds the engine parties and fee.
type MarketplaceConfig struct {
	// Vault is a bech32 identity. When empty the vault is derived from
	// VaultLabel.
	Vault             string   `yaml:"vault" toml:"vault" env:"VAULT"`
	VaultLabel        string   `yaml:"vault_label" toml:"vault_label" env:"VAULT_LABEL"`
	FeeRecipient      string   `yaml:"fee_recipient" toml:"fee_recipient" env:"FEE_RECIPIENT"`
	FeeRecipientLabel string   `yaml:"fee_recipient_label" toml:"fee_recipient_label" env:"FEE_RECIPIENT_LABEL"`
	ListingFee        string   `yaml:"listing_fee" toml:"listing_fee" env:"LISTING_FEE"`
	Admins            []string `yaml:"admins" toml:"admins" env:"ADMINS"`
	Paused            bool     `yaml:"paused" toml:"paused" env:"PAUSED"`
}

// AuthConfig controls bearer authentication.
type AuthConfig struct {
	Enabled             bool     `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Secret              string   `yaml:"secret" toml:"secret" env:"SECRET"`
	Issuer              string   `yaml:"issuer" toml:"issuer" env:"ISSUER"`
	Audience            string   `yaml:"audience" toml:"audience" env:"AUDIENCE"`
	AllowAnonymousReads bool     `yaml:"allow_anonymous_reads" toml:"allow_anonymous_reads" env:"ALLOW_ANONYMOUS_READS"`
	ClockSkew           Duration `yaml:"clock_skew" toml:"clock_skew" env:"CLOCK_SKEW"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" env:"LEVEL"`
	File       string `yaml:"file" toml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" toml:"compress" env:"COMPRESS"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Insecure bool   `yaml:"insecure" toml:"insecure" env:"INSECURE"`
	Headers  string `yaml:"headers" toml:"headers" env:"HEADERS"`
	Metrics  bool   `yaml:"metrics" toml:"metrics" env:"METRICS"`
	Traces   bool   `yaml:"traces" toml:"traces" env:"TRACES"`

	// SampleRatio keeps this fraction of root spans; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// StreamConfig tunes the live event stream.
type StreamConfig struct {
	History      int      `yaml:"history" toml:"history" env:"HISTORY"`
	PingInterval Duration `yaml:"ping_interval" toml:"ping_interval" env:"PING_INTERVAL"`
}

// RateLimitConfig bounds requests per client for one route group.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Load reads configuration from the supplied path, applies MARKETD_*
// environment overrides and validates the result. TOML is selected by the
// .toml extension; anything else is decoded as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := decodeFile(trimmed, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = storage.BackendLevelDB
	}
	if cfg.Ledger.Path == "" && cfg.Ledger.Backend != storage.BackendMemory {
		cfg.Ledger.Path = "./data/marketd/ledger"
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "sqlite"
	}
	if cfg.Audit.DSN == "" && cfg.Audit.Driver == "sqlite" {
		cfg.Audit.DSN = "file:./data/marketd/audit.sqlite?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	if cfg.Marketplace.Vault == "" && cfg.Marketplace.VaultLabel == "" {
		cfg.Marketplace.VaultLabel = "marketplace/vault"
	}
	if cfg.Marketplace.FeeRecipient == "" && cfg.Marketplace.FeeRecipientLabel == "" {
		cfg.Marketplace.FeeRecipientLabel = "marketplace/fees"
	}
	if cfg.Marketplace.ListingFee == "" {
		cfg.Marketplace.ListingFee = "0"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Stream.History <= 0 {
		cfg.Stream.History = 256
	}
	if cfg.Stream.PingInterval.Duration == 0 {
		cfg.Stream.PingInterval.Duration = 30 * time.Second
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			"mutations": {RequestsPerMinute: 120, Burst: 20},
			"reads":     {RequestsPerMinute: 600, Burst: 100},
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Ledger.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("ledger.backend %q not supported", cfg.Ledger.Backend)
	}
	switch cfg.Audit.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("audit.driver %q not supported", cfg.Audit.Driver)
	}
	if strings.TrimSpace(cfg.Audit.DSN) == "" {
		return errors.New("audit.dsn must be configured")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.Secret) == "" {
		return errors.New("auth.secret must be configured when auth is enabled")
	}
	if _, err := cfg.Marketplace.Resolve(); err != nil {
		return err
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must be non-negative", name)
		}
	}
	return nil
}

// Parties is the decoded form of MarketplaceConfig.
type Parties struct {
	Vault        [20]byte
	FeeRecipient [20]byte
	ListingFee   *big.Int
	Admins       [][20]byte
}

// Resolve decodes identities and the listing fee.
func (m MarketplaceConfig) Resolve() (Parties, error) {
	var parties Parties
	vault, err := resolveIdentity(m.Vault, m.VaultLabel)
	if err != nil {
		return parties, fmt.Errorf("marketplace.vault: %w", err)
	}
	recipient, err := resolveIdentity(m.FeeRecipient, m.FeeRecipientLabel)
	if err != nil {
		return parties, fmt.Errorf("marketplace.fee_recipient: %w", err)
	}
	if vault == recipient {
		return parties, errors.New("marketplace.fee_recipient must differ from the vault")
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(m.ListingFee), 10)
	if !ok || fee.Sign() < 0 {
		return parties, fmt.Errorf("marketplace.listing_fee %q must be a non-negative integer", m.ListingFee)
	}
	admins := make([][20]byte, 0, len(m.Admins))
	for _, raw := range m.Admins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		admin, err := crypto.ParseIdentity(raw)
		if err != nil {
			return parties, fmt.Errorf("marketplace.admins: %w", err)
		}
		admins = append(admins, admin)
	}
	parties.Vault = vault
	parties.FeeRecipient = recipient
	parties.ListingFee = fee
	parties.Admins = admins
	return parties, nil
}

func resolveIdentity(address, label string) ([20]byte, error) {
	if address = strings.TrimSpace(address); address != "" {
		return crypto.ParseIdentity(address)
	}
	if label = strings.TrimSpace(label); label != "" {
		return crypto.DeriveIdentity(label), nil
	}
	return [20]byte{}, errors.New("identity or label required")
}
