package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
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

// UnmarshalText parses durations from TOML strings.
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

// Rate-limit backends.
const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config captures the runtime configuration for issuerd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Authority     AuthorityConfig `yaml:"authority" toml:"authority"`
	Limits        LimitsConfig    `yaml:"limits" toml:"limits"`
	Referral      ReferralConfig  `yaml:"referral" toml:"referral"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Idempotency   IdemConfig      `yaml:"idempotency" toml:"idempotency"`
	Reconcile     ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Edge          EdgeConfig      `yaml:"edge" toml:"edge"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the gorm dialector.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// LedgerConfig points at the ledger RPC node.
type LedgerConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	Commitment     string   `yaml:"commitment" toml:"commitment"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	SkipPreflight  bool     `yaml:"skip_preflight" toml:"skip_preflight"`
}

// AuthorityConfig configures the mint authority used to sign every transaction.
// Either a local secret (inline, env or file) or a remote signing proxy.
type AuthorityConfig struct {
	SecretKey     string       `yaml:"secret_key" toml:"secret_key"`
	SecretKeyEnv  string       `yaml:"secret_key_env" toml:"secret_key_env"`
	SecretKeyFile string       `yaml:"secret_key_file" toml:"secret_key_file"`
	Remote        RemoteSigner `yaml:"remote" toml:"remote"`
}

// RemoteSigner reaches a signing proxy over mutual TLS.
type RemoteSigner struct {
	BaseURL    string   `yaml:"base_url" toml:"base_url"`
	KeyLabel   string   `yaml:"key_label" toml:"key_label"`
	PublicKey  string   `yaml:"public_key" toml:"public_key"`
	CACert     string   `yaml:"ca_cert" toml:"ca_cert"`
	ClientCert string   `yaml:"client_cert" toml:"client_cert"`
	ClientKey  string   `yaml:"client_key" toml:"client_key"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
}

// Enabled reports whether a remote signer is configured.
func (r RemoteSigner) Enabled() bool {
	return strings.TrimSpace(r.BaseURL) != ""
}

// LimitsConfig holds per-business issuance caps.
type LimitsConfig struct {
	MaxPerTx  string `yaml:"max_per_tx" toml:"max_per_tx"`
	PerMinute int64  `yaml:"per_minute" toml:"per_minute"`
	PerDay    int64  `yaml:"per_day" toml:"per_day"`
}

// ReferralConfig holds the fixed referral bonus.
type ReferralConfig struct {
	Bonus string `yaml:"bonus" toml:"bonus"`
}

// RateLimitConfig selects where window counters live.
type RateLimitConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig configures the redis client for the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// IdemConfig tunes idempotency claim handling.
type IdemConfig struct {
	StaleClaimAfter Duration `yaml:"stale_claim_after" toml:"stale_claim_after"`
}

// ReconcileConfig tunes the pending settlement sweeper.
type ReconcileConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	MinAge   Duration `yaml:"min_age" toml:"min_age"`
	Disabled bool     `yaml:"disabled" toml:"disabled"`
}

// EdgeConfig configures the per-client request limiter in front of the API.
type EdgeConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig enables the rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// MaxPerTxDecimal returns the per-transaction ceiling.
func (c Config) MaxPerTxDecimal() decimal.Decimal {
	return decimal.RequireFromString(c.Limits.MaxPerTx)
}

// ReferralBonusDecimal returns the fixed referral bonus.
func (c Config) ReferralBonusDecimal() decimal.Decimal {
	return decimal.RequireFromString(c.Referral.Bonus)
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML. An empty path yields defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Authority.normalise(); err != nil {
		return cfg, fmt.Errorf("authority: %w", err)
	}
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := Validate(cfg); err != nil {
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

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = "https://api.devnet.solana.com"
	}
	if cfg.Ledger.Commitment == "" {
		cfg.Ledger.Commitment = "confirmed"
	}
	if cfg.Ledger.ConfirmTimeout.Duration == 0 {
		cfg.Ledger.ConfirmTimeout.Duration = 60 * time.Second
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 500 * time.Millisecond
	}
	if cfg.Limits.MaxPerTx == "" {
		cfg.Limits.MaxPerTx = "10"
	}
	if cfg.Limits.PerMinute == 0 {
		cfg.Limits.PerMinute = 30
	}
	if cfg.Limits.PerDay == 0 {
		cfg.Limits.PerDay = 1000
	}
	if cfg.Referral.Bonus == "" {
		cfg.Referral.Bonus = "2"
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = BackendDatabase
	}
	if cfg.RateLimit.Redis.KeyPrefix == "" {
		cfg.RateLimit.Redis.KeyPrefix = "issuerd:rl:"
	}
	if cfg.Idempotency.StaleClaimAfter.Duration == 0 {
		cfg.Idempotency.StaleClaimAfter.Duration = 2 * time.Minute
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = 30 * time.Second
	}
	if cfg.Reconcile.MinAge.Duration == 0 {
		cfg.Reconcile.MinAge.Duration = cfg.Ledger.ConfirmTimeout.Duration
	}
	if cfg.Authority.Remote.Timeout.Duration == 0 {
		cfg.Authority.Remote.Timeout.Duration = 10 * time.Second
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

// applyEnv lets deployment environments override the file without editing it.
func applyEnv(cfg *Config) {
	if value := envString("RPC_URL"); value != "" {
		cfg.Ledger.RPCURL = value
	}
	if value := envString("MINT_AUTHORITY_SECRET_KEY"); value != "" {
		cfg.Authority.SecretKey = value
	}
	if value := envString("MINT_MAX_PER_TX"); value != "" {
		cfg.Limits.MaxPerTx = value
	}
	if value, ok := envInt("MINT_PER_MINUTE"); ok {
		cfg.Limits.PerMinute = value
	}
	if value, ok := envInt("MINT_PER_DAY"); ok {
		cfg.Limits.PerDay = value
	}
	if value := envString("REFERRAL_BONUS"); value != "" {
		cfg.Referral.Bonus = value
	}
	if value := envString("DATABASE_URL"); value != "" {
		cfg.Database.DSN = value
	}
	if value := envString("REDIS_ADDR"); value != "" {
		cfg.RateLimit.Redis.Addr = value
	}
	if value := envString("LISTEN_ADDR"); value != "" {
		cfg.ListenAddress = value
	}
	if value := envString("ISSUERD_ENV"); value != "" {
		cfg.Environment = value
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string) (int64, bool) {
	raw := envString(key)
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// Validate checks the invariants of a loaded configuration. A missing authority
// is allowed: mint requests then fail individually as misconfigured.
func Validate(cfg Config) error {
	maxPerTx, err := decimal.NewFromString(cfg.Limits.MaxPerTx)
	if err != nil {
		return fmt.Errorf("limits.max_per_tx: %w", err)
	}
	if !maxPerTx.IsPositive() {
		return fmt.Errorf("limits.max_per_tx must be positive")
	}
	if cfg.Limits.PerMinute <= 0 || cfg.Limits.PerDay <= 0 {
		return fmt.Errorf("limits.per_minute and limits.per_day must be positive")
	}
	bonus, err := decimal.NewFromString(cfg.Referral.Bonus)
	if err != nil {
		return fmt.Errorf("referral.bonus: %w", err)
	}
	if !bonus.IsPositive() {
		return fmt.Errorf("referral.bonus must be positive")
	}
	if bonus.GreaterThan(maxPerTx) {
		return fmt.Errorf("referral.bonus must not exceed limits.max_per_tx")
	}
	switch cfg.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	switch cfg.RateLimit.Backend {
	case BackendDatabase:
	case BackendRedis:
		if strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
			return fmt.Errorf("rate_limit.redis.addr must be configured for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q not supported", cfg.RateLimit.Backend)
	}
	switch cfg.Ledger.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("ledger.commitment %q not supported", cfg.Ledger.Commitment)
	}
	if cfg.Authority.Remote.Enabled() {
		if strings.TrimSpace(cfg.Authority.Remote.PublicKey) == "" {
			return fmt.Errorf("authority.remote.public_key must be configured")
		}
		if strings.TrimSpace(cfg.Authority.SecretKey) != "" {
			return fmt.Errorf("configure either authority.secret_key or authority.remote, not both")
		}
	}
	return nil
}

func (a *AuthorityConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("authority configuration missing")
	}
	a.SecretKey = strings.TrimSpace(a.SecretKey)
	a.SecretKeyEnv = strings.TrimSpace(a.SecretKeyEnv)
	a.SecretKeyFile = strings.TrimSpace(a.SecretKeyFile)
	if a.SecretKey != "" {
		return nil
	}
	switch {
	case a.SecretKeyEnv != "":
		a.SecretKey = strings.TrimSpace(os.Getenv(a.SecretKeyEnv))
		if a.SecretKey == "" {
			return fmt.Errorf("secret_key_env %s is empty", a.SecretKeyEnv)
		}
	case a.SecretKeyFile != "":
		contents, err := os.ReadFile(a.SecretKeyFile)
		if err != nil {
			return fmt.Errorf("read secret_key_file: %w", err)
		}
		a.SecretKey = strings.TrimSpace(string(contents))
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("database configuration missing")
	}
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	d.DSN = strings.TrimSpace(d.DSN)
	if d.DSN == "" && strings.TrimSpace(d.DSNEnv) != "" {
		d.DSN = strings.TrimSpace(os.Getenv(strings.TrimSpace(d.DSNEnv)))
		if d.DSN == "" {
			return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
		}
	}
	return nil
}
