package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig
	Database DatabaseConfig
	Ledger   LedgerConfig
	Protocol ProtocolConfig
	Fees     FeesConfig
	Agent    AgentConfig
	Custody  CustodyConfig
	Server   ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LedgerConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	Commitment        string `mapstructure:"commitment"`
	ConfirmTimeoutSec int64  `mapstructure:"confirm_timeout_sec"`
}

type ProtocolConfig struct {
	NonceTTLSec        int64 `mapstructure:"nonce_ttl_sec"`
	NonceRetentionSec  int64 `mapstructure:"nonce_retention_sec"`
	CleanupIntervalSec int64 `mapstructure:"cleanup_interval_sec"`
}

type FeesConfig struct {
	PlatformWallet string `mapstructure:"platform_wallet"`
	PlatformRate   string `mapstructure:"platform_rate"`
	AffiliateRate  string `mapstructure:"affiliate_rate"`
	OnboardingFee  uint64 `mapstructure:"onboarding_fee"`
}

type AgentConfig struct {
	PollIntervalSec    int64 `mapstructure:"poll_interval_sec"`
	ScanLimit          int   `mapstructure:"scan_limit"`
	RefreshIntervalSec int64 `mapstructure:"refresh_interval_sec"`
}

type CustodyConfig struct {
	Addr string `mapstructure:"addr"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.commitment", "confirmed")
	v.SetDefault("ledger.confirm_timeout_sec", 60)
	v.SetDefault("protocol.nonce_ttl_sec", 300)
	v.SetDefault("protocol.nonce_retention_sec", 86400)
	v.SetDefault("protocol.cleanup_interval_sec", 3600)
	v.SetDefault("fees.platform_rate", "0.05")
	v.SetDefault("fees.affiliate_rate", "0.15")
	v.SetDefault("fees.onboarding_fee", 100_000_000)
	v.SetDefault("agent.poll_interval_sec", 5)
	v.SetDefault("agent.scan_limit", 25)
	v.SetDefault("agent.refresh_interval_sec", 60)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"database.dsn":                  "DATABASE_DSN",
		"ledger.rpc_url":                "RPC_URL",
		"ledger.commitment":             "LEDGER_COMMITMENT",
		"ledger.confirm_timeout_sec":    "CONFIRM_TIMEOUT_SEC",
		"protocol.nonce_ttl_sec":        "NONCE_TTL_SEC",
		"protocol.nonce_retention_sec":  "NONCE_RETENTION_SEC",
		"protocol.cleanup_interval_sec": "CLEANUP_INTERVAL_SEC",
		"fees.platform_wallet":          "PLATFORM_WALLET",
		"fees.platform_rate":            "PLATFORM_FEE_RATE",
		"fees.affiliate_rate":           "AFFILIATE_FEE_RATE",
		"fees.onboarding_fee":           "ONBOARDING_FEE",
		"agent.poll_interval_sec":       "AGENT_POLL_SEC",
		"agent.scan_limit":              "AGENT_SCAN_LIMIT",
		"agent.refresh_interval_sec":    "AGENT_REFRESH_SEC",
		"custody.addr":                  "CUSTODY_ADDR",
		"server.port":                   "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Database.DSN, "DATABASE_DSN"},
		{c.Ledger.RPCURL, "RPC_URL"},
		{c.Fees.PlatformWallet, "PLATFORM_WALLET"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Protocol.NonceTTLSec <= 0 {
		return fmt.Errorf("NONCE_TTL_SEC must be positive")
	}
	return nil
}
