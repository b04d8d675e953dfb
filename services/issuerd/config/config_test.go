package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RPC_URL", "MINT_AUTHORITY_SECRET_KEY", "MINT_MAX_PER_TX", "MINT_PER_MINUTE",
		"MINT_PER_DAY", "REFERRAL_BONUS", "DATABASE_URL", "REDIS_ADDR", "LISTEN_ADDR", "ISSUERD_ENV",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "issuerd.yaml", `
database:
  driver: sqlite
  dsn: file:issuerd.db
ledger:
  confirm_timeout: 45s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "10", cfg.Limits.MaxPerTx)
	require.EqualValues(t, 30, cfg.Limits.PerMinute)
	require.EqualValues(t, 1000, cfg.Limits.PerDay)
	require.Equal(t, "2", cfg.Referral.Bonus)
	require.Equal(t, 45*time.Second, cfg.Ledger.ConfirmTimeout.Duration)
	require.Equal(t, 45*time.Second, cfg.Reconcile.MinAge.Duration)
	require.Equal(t, BackendDatabase, cfg.RateLimit.Backend)
	require.Equal(t, "confirmed", cfg.Ledger.Commitment)
	require.Empty(t, cfg.Authority.SecretKey)
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "issuerd.toml", `
listen = ":9090"

[database]
driver = "postgres"
dsn = "postgres://issuer@localhost/loyalty"

[limits]
max_per_tx = "25.5"
per_minute = 5
per_day = 50

[rate_limit]
backend = "redis"

[rate_limit.redis]
addr = "localhost:6379"

[reconcile]
interval = "10s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "25.5", cfg.MaxPerTxDecimal().String())
	require.EqualValues(t, 5, cfg.Limits.PerMinute)
	require.Equal(t, BackendRedis, cfg.RateLimit.Backend)
	require.Equal(t, 10*time.Second, cfg.Reconcile.Interval.Duration)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://env@localhost/loyalty")
	t.Setenv("MINT_MAX_PER_TX", "15")
	t.Setenv("MINT_PER_MINUTE", "7")
	t.Setenv("MINT_AUTHORITY_SECRET_KEY", "  base58secret ")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://env@localhost/loyalty", cfg.Database.DSN)
	require.Equal(t, "15", cfg.Limits.MaxPerTx)
	require.EqualValues(t, 7, cfg.Limits.PerMinute)
	require.Equal(t, "base58secret", cfg.Authority.SecretKey)
}

func TestSecretFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "file:test.db")
	secretPath := writeFile(t, "authority.key", "filesecret\n")
	path := writeFile(t, "issuerd.yaml", "database:\n  driver: sqlite\nauthority:\n  secret_key_file: "+secretPath+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "filesecret", cfg.Authority.SecretKey)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := Config{}
	applyDefaults(&base)
	base.Database.DSN = "file:test.db"
	require.NoError(t, Validate(base))

	cases := map[string]func(*Config){
		"zero ceiling":     func(c *Config) { c.Limits.MaxPerTx = "0" },
		"bonus too large":  func(c *Config) { c.Referral.Bonus = "11" },
		"unknown backend":  func(c *Config) { c.RateLimit.Backend = "memcached" },
		"redis addr":       func(c *Config) { c.RateLimit.Backend = BackendRedis },
		"unknown driver":   func(c *Config) { c.Database.Driver = "mysql" },
		"missing dsn":      func(c *Config) { c.Database.DSN = "" },
		"commitment":       func(c *Config) { c.Ledger.Commitment = "max" },
		"remote no pubkey": func(c *Config) { c.Authority.Remote.BaseURL = "https://signer" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte("")))
	require.Zero(t, d.Duration)
}

func TestExampleConfigLoads(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://issuerd@localhost/issuerd")
	t.Setenv("ISSUERD_ENV", "staging")
	cfg, err := Load(filepath.Join("..", "config.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, "postgres://issuerd@localhost/issuerd", cfg.Database.DSN)
	require.Equal(t, BackendDatabase, cfg.RateLimit.Backend)
	require.Equal(t, float64(600), cfg.Edge.RequestsPerMinute)
	require.Equal(t, 2*time.Minute, cfg.Idempotency.StaleClaimAfter.Duration)
	require.Empty(t, cfg.Authority.SecretKey)
	require.False(t, cfg.Authority.Remote.Enabled())
}
