package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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

// Config captures the runtime configuration for marketd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Escrow        EscrowConfig    `yaml:"escrow" toml:"escrow"`
	Primary       PrimaryConfig   `yaml:"primary" toml:"primary"`
	EVM           EVMConfig       `yaml:"evm" toml:"evm"`
	Confirm       ConfirmConfig   `yaml:"confirm" toml:"confirm"`
	Challenge     ChallengeConfig `yaml:"challenge" toml:"challenge"`
	Oracle        OracleConfig    `yaml:"oracle" toml:"oracle"`
	Redis         RedisConfig     `yaml:"redis" toml:"redis"`
	Events        EventsConfig    `yaml:"events" toml:"events"`
	Custody       CustodyConfig   `yaml:"custody" toml:"custody"`
	Signer        SignerConfig    `yaml:"signer" toml:"signer"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// DSN is a Postgres connection string. When empty SQLitePath is used.
	DSN        string `yaml:"dsn" toml:"dsn"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
	Debug      bool   `yaml:"debug" toml:"debug"`
}

// AuthConfig controls bearer token validation.
type AuthConfig struct {
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      []string `yaml:"audience" toml:"audience"`
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	RSAPublicKey  string   `yaml:"rsa_public_key_file" toml:"rsa_public_key_file"`
	Leeway        Duration `yaml:"leeway" toml:"leeway"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// EscrowConfig carries fee and reconciliation settings.
type EscrowConfig struct {
	FeePercent          uint32   `yaml:"fee_percent" toml:"fee_percent"`
	RequireApprovedWork *bool    `yaml:"require_approved_work" toml:"require_approved_work"`
	ReconcileInterval   Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
	PurgeInterval       Duration `yaml:"purge_interval" toml:"purge_interval"`
	ReconcileGrace      Duration `yaml:"reconcile_grace" toml:"reconcile_grace"`
	ReconcileBatch      int      `yaml:"reconcile_batch" toml:"reconcile_batch"`
	// SponsorReserve is the native amount kept on token escrows to pay release fees.
	SponsorReserve string `yaml:"sponsor_reserve" toml:"sponsor_reserve"`
}

// PrimaryConfig configures the primary ledger.
type PrimaryConfig struct {
	RPCURL         string  `yaml:"rpc_url" toml:"rpc_url"`
	FallbackRPCURL string  `yaml:"fallback_rpc_url" toml:"fallback_rpc_url"`
	AuthToken      string  `yaml:"auth_token" toml:"auth_token"`
	Commitment     string  `yaml:"commitment" toml:"commitment"`
	RequestsPerSec float64 `yaml:"rps" toml:"rps"`
	Burst          int     `yaml:"burst" toml:"burst"`
	StableMint     string  `yaml:"stable_mint" toml:"stable_mint"`
	StableDecimals uint8   `yaml:"stable_decimals" toml:"stable_decimals"`
	NetworkFee     string  `yaml:"network_fee" toml:"network_fee"`
	FeeBuffer      string  `yaml:"fee_buffer" toml:"fee_buffer"`
}

// EVMConfig configures the secondary ledger. It is optional.
type EVMConfig struct {
	RPCURL        string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id" toml:"chain_id"`
	ChainName     string `yaml:"chain_name" toml:"chain_name"`
	ExplorerURL   string `yaml:"explorer_url" toml:"explorer_url"`
	NativeSymbol  string `yaml:"native_symbol" toml:"native_symbol"`
	Confirmations uint64 `yaml:"confirmations" toml:"confirmations"`
	TokenAddress  string `yaml:"token_address" toml:"token_address"`
	TokenDecimals uint8  `yaml:"token_decimals" toml:"token_decimals"`
	NetworkFee    string `yaml:"network_fee" toml:"network_fee"`
	FeeBuffer     string `yaml:"fee_buffer" toml:"fee_buffer"`
}

// Enabled reports whether the secondary ledger is configured.
func (c EVMConfig) Enabled() bool { return strings.TrimSpace(c.RPCURL) != "" }

// ConfirmConfig bounds transfer confirmation waits.
type ConfirmConfig struct {
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// ChallengeConfig configures the challenge/response rails.
type ChallengeConfig struct {
	PayeeURL     string   `yaml:"payee_url" toml:"payee_url"`
	ChallengeTTL Duration `yaml:"challenge_ttl" toml:"challenge_ttl"`
	SpentDB      string   `yaml:"spent_db" toml:"spent_db"`
	ClaimTimeout Duration `yaml:"claim_timeout" toml:"claim_timeout"`
}

// OracleConfig configures the price source.
type OracleConfig struct {
	Endpoint             string            `yaml:"endpoint" toml:"endpoint"`
	APIKey               string            `yaml:"api_key" toml:"api_key"`
	NativeAsset          string            `yaml:"native_asset" toml:"native_asset"`
	Assets               map[string]string `yaml:"assets" toml:"assets"`
	FallbackUSDPerNative string            `yaml:"fallback_usd_per_native" toml:"fallback_usd_per_native"`
	CacheTTL             Duration          `yaml:"cache_ttl" toml:"cache_ttl"`
}

// RedisConfig enables the shared cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// EventsConfig enables the AMQP publisher when URL is set.
type EventsConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
	History  int    `yaml:"history" toml:"history"`
}

// CustodyConfig supplies the root seed escrow accounts are derived from.
type CustodyConfig struct {
	Seed     string `yaml:"seed" toml:"seed"`
	SeedFile string `yaml:"seed_file" toml:"seed_file"`
	SeedEnv  string `yaml:"seed_env" toml:"seed_env"`
}

// SignerConfig points at the remote signer that holds client wallets.
type SignerConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Token   string   `yaml:"token" toml:"token"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig configures log level and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Load reads configuration from path. Files ending in .toml are decoded as TOML, anything
// else as YAML. An empty path starts from defaults and environment overrides only.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Custody.normalise(); err != nil {
		return cfg, fmt.Errorf("custody: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
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
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnv overlays MARKETD_* variables on top of file values.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("MARKETD_LISTEN", &cfg.ListenAddress)
	str("MARKETD_ENV", &cfg.Environment)
	str("MARKETD_DATABASE_DSN", &cfg.Database.DSN)
	str("MARKETD_SQLITE_PATH", &cfg.Database.SQLitePath)
	str("MARKETD_JWT_ISSUER", &cfg.Auth.Issuer)
	str("MARKETD_JWT_SECRET", &cfg.Auth.HMACSecret)
	str("MARKETD_PRIMARY_RPC_URL", &cfg.Primary.RPCURL)
	str("MARKETD_PRIMARY_FALLBACK_RPC_URL", &cfg.Primary.FallbackRPCURL)
	str("MARKETD_PRIMARY_STABLE_MINT", &cfg.Primary.StableMint)
	str("MARKETD_EVM_RPC_URL", &cfg.EVM.RPCURL)
	str("MARKETD_EVM_TOKEN_ADDRESS", &cfg.EVM.TokenAddress)
	str("MARKETD_PAYEE_URL", &cfg.Challenge.PayeeURL)
	str("MARKETD_ORACLE_ENDPOINT", &cfg.Oracle.Endpoint)
	str("MARKETD_ORACLE_API_KEY", &cfg.Oracle.APIKey)
	str("MARKETD_REDIS_ADDR", &cfg.Redis.Addr)
	str("MARKETD_REDIS_PASSWORD", &cfg.Redis.Password)
	str("MARKETD_AMQP_URL", &cfg.Events.URL)
	str("MARKETD_CUSTODY_SEED", &cfg.Custody.Seed)
	str("MARKETD_SIGNER_URL", &cfg.Signer.BaseURL)
	str("MARKETD_SIGNER_TOKEN", &cfg.Signer.Token)
	str("MARKETD_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("MARKETD_OTEL_HEADERS", &cfg.Telemetry.Headers)
	str("MARKETD_LOG_LEVEL", &cfg.Logging.Level)
	str("MARKETD_LOG_FILE", &cfg.Logging.File)
	if v, ok := lookup("MARKETD_FEE_PERCENT"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("MARKETD_FEE_PERCENT: %w", err)
		}
		cfg.Escrow.FeePercent = uint32(parsed)
	}
	if v, ok := lookup("MARKETD_EVM_CHAIN_ID"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MARKETD_EVM_CHAIN_ID: %w", err)
		}
		cfg.EVM.ChainID = parsed
	}
	if v, ok := lookup("MARKETD_REQUIRE_APPROVED_WORK"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MARKETD_REQUIRE_APPROVED_WORK: %w", err)
		}
		cfg.Escrow.RequireApprovedWork = &parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.DSN == "" && cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "marketd.db"
	}
	if cfg.Auth.Leeway.Duration == 0 {
		cfg.Auth.Leeway.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Escrow.FeePercent == 0 {
		cfg.Escrow.FeePercent = 10
	}
	if cfg.Escrow.RequireApprovedWork == nil {
		required := true
		cfg.Escrow.RequireApprovedWork = &required
	}
	if cfg.Escrow.ReconcileInterval.Duration == 0 {
		cfg.Escrow.ReconcileInterval.Duration = time.Minute
	}
	if cfg.Escrow.PurgeInterval.Duration == 0 {
		cfg.Escrow.PurgeInterval.Duration = 15 * time.Minute
	}
	if cfg.Escrow.ReconcileGrace.Duration == 0 {
		cfg.Escrow.ReconcileGrace.Duration = 10 * time.Minute
	}
	if cfg.Escrow.ReconcileBatch <= 0 {
		cfg.Escrow.ReconcileBatch = 100
	}
	if cfg.Escrow.SponsorReserve == "" {
		cfg.Escrow.SponsorReserve = "0.01"
	}
	if cfg.Primary.Commitment == "" {
		cfg.Primary.Commitment = "confirmed"
	}
	if cfg.Primary.StableDecimals == 0 {
		cfg.Primary.StableDecimals = 6
	}
	if cfg.Primary.NetworkFee == "" {
		cfg.Primary.NetworkFee = "0.000005"
	}
	if cfg.Primary.FeeBuffer == "" {
		cfg.Primary.FeeBuffer = "0.002"
	}
	if cfg.EVM.Confirmations == 0 {
		cfg.EVM.Confirmations = 3
	}
	if cfg.EVM.TokenDecimals == 0 {
		cfg.EVM.TokenDecimals = 6
	}
	if cfg.EVM.NativeSymbol == "" {
		cfg.EVM.NativeSymbol = "ETH"
	}
	if cfg.EVM.NetworkFee == "" {
		cfg.EVM.NetworkFee = "0.0005"
	}
	if cfg.EVM.FeeBuffer == "" {
		cfg.EVM.FeeBuffer = "0.0005"
	}
	if cfg.Confirm.Timeout.Duration == 0 {
		cfg.Confirm.Timeout.Duration = 60 * time.Second
	}
	if cfg.Confirm.PollInterval.Duration == 0 {
		cfg.Confirm.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Challenge.ChallengeTTL.Duration == 0 {
		cfg.Challenge.ChallengeTTL.Duration = 15 * time.Minute
	}
	if cfg.Challenge.SpentDB == "" {
		cfg.Challenge.SpentDB = "marketd-spent.db"
	}
	if cfg.Challenge.ClaimTimeout.Duration == 0 {
		cfg.Challenge.ClaimTimeout.Duration = 2 * time.Minute
	}
	if cfg.Oracle.NativeAsset == "" {
		cfg.Oracle.NativeAsset = "SOL"
	}
	if cfg.Oracle.CacheTTL.Duration == 0 {
		cfg.Oracle.CacheTTL.Duration = time.Minute
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "marketd:"
	}
	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "marketd.events"
	}
	if cfg.Events.History <= 0 {
		cfg.Events.History = 256
	}
	if cfg.Signer.Timeout.Duration == 0 {
		cfg.Signer.Timeout.Duration = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Escrow.FeePercent > 100 {
		return fmt.Errorf("escrow fee_percent must be at most 100")
	}
	if strings.TrimSpace(cfg.Primary.RPCURL) == "" {
		return fmt.Errorf("primary rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.Primary.StableMint) == "" {
		return fmt.Errorf("primary stable_mint must be configured")
	}
	if cfg.EVM.Enabled() {
		if cfg.EVM.ChainID <= 0 {
			return fmt.Errorf("evm chain_id must be configured")
		}
		if strings.TrimSpace(cfg.EVM.TokenAddress) == "" {
			return fmt.Errorf("evm token_address must be configured")
		}
	}
	if cfg.Auth.HMACSecret == "" && cfg.Auth.RSAPublicKey == "" {
		return fmt.Errorf("configure either hmac_secret or rsa_public_key_file for auth")
	}
	if len(cfg.Custody.Seed) < 32 {
		return fmt.Errorf("custody seed must be at least 32 bytes")
	}
	if strings.TrimSpace(cfg.Signer.BaseURL) == "" {
		return fmt.Errorf("signer base_url must be configured")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0,1]")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.RSAPublicKey = strings.TrimSpace(a.RSAPublicKey)
	if a.HMACSecret == "" && a.HMACSecretEnv != "" {
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	}
	return nil
}

func (c *CustodyConfig) normalise() error {
	c.Seed = strings.TrimSpace(c.Seed)
	c.SeedEnv = strings.TrimSpace(c.SeedEnv)
	c.SeedFile = strings.TrimSpace(c.SeedFile)
	if c.Seed != "" {
		return nil
	}
	switch {
	case c.SeedEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SeedEnv))
		if value == "" {
			return fmt.Errorf("seed_env %s is empty", c.SeedEnv)
		}
		c.Seed = value
	case c.SeedFile != "":
		contents, err := os.ReadFile(c.SeedFile)
		if err != nil {
			return fmt.Errorf("read seed_file: %w", err)
		}
		c.Seed = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("seed is required")
	}
	return nil
}

// SeedBytes returns the custody seed. Hex-encoded seeds are decoded, anything else is
// used verbatim.
func (c CustodyConfig) SeedBytes() []byte {
	if decoded, err := hex.DecodeString(c.Seed); err == nil && len(decoded) >= 32 {
		return decoded
	}
	return []byte(c.Seed)
}
