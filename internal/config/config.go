package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Chain     ChainConfig
	Wallet    WalletConfig
	Invoice   InvoiceConfig
	Monitor   MonitorConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Sweep     SweepConfig
	AMQP      AMQPConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL   string `mapstructure:"rpc_url"`
	ChainID  int64  `mapstructure:"chain_id"`
	CoinType uint32 `mapstructure:"coin_type"`
}

type WalletConfig struct {
	MasterSeed string `mapstructure:"master_seed"`
	MaxIndex   uint32 `mapstructure:"max_index"`
	SealKey    string `mapstructure:"seal_key"`
}

type InvoiceConfig struct {
	Amount        string `mapstructure:"amount"`
	ExpiryMinutes int    `mapstructure:"expiry_minutes"`
}

type MonitorConfig struct {
	PollIntervalSec    int     `mapstructure:"poll_interval_sec"`
	ConfirmationBlocks uint64  `mapstructure:"confirmation_blocks"`
	RetryAttempts      int     `mapstructure:"retry_attempts"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier"`
	MaxErrorRetries    int     `mapstructure:"max_error_retries"`
}

type RateLimitConfig struct {
	MaxPerIP       int `mapstructure:"max_per_ip"`
	MaxGlobal      int `mapstructure:"max_global"`
	WindowMinutes  int `mapstructure:"window_minutes"`
	CleanupMinutes int `mapstructure:"cleanup_minutes"`
}

type SweepConfig struct {
	IntervalSec int `mapstructure:"interval_sec"`
}

type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.coin_type", 60)
	v.SetDefault("wallet.max_index", 1_000_000)
	v.SetDefault("invoice.amount", "0.001")
	v.SetDefault("invoice.expiry_minutes", 5)
	v.SetDefault("monitor.poll_interval_sec", 5)
	v.SetDefault("monitor.confirmation_blocks", 3)
	v.SetDefault("monitor.retry_attempts", 3)
	v.SetDefault("monitor.backoff_multiplier", 1.5)
	v.SetDefault("monitor.max_error_retries", 2)
	v.SetDefault("ratelimit.max_per_ip", 3)
	v.SetDefault("ratelimit.max_global", 10)
	v.SetDefault("ratelimit.window_minutes", 60)
	v.SetDefault("ratelimit.cleanup_minutes", 5)
	v.SetDefault("sweep.interval_sec", 30)

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
		"server.port":                 "PORT",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"chain.rpc_url":               "RPC_URL",
		"chain.chain_id":              "CHAIN_ID",
		"chain.coin_type":             "COIN_TYPE",
		"wallet.master_seed":          "MASTER_SEED",
		"wallet.max_index":            "WALLET_MAX_INDEX",
		"wallet.seal_key":             "WALLET_SEAL_KEY",
		"invoice.amount":              "INVOICE_AMOUNT",
		"invoice.expiry_minutes":      "INVOICE_EXPIRY_MINUTES",
		"monitor.poll_interval_sec":   "POLL_INTERVAL_SEC",
		"monitor.confirmation_blocks": "CONFIRMATION_BLOCKS",
		"monitor.retry_attempts":      "RETRY_ATTEMPTS",
		"monitor.backoff_multiplier":  "BACKOFF_MULTIPLIER",
		"monitor.max_error_retries":   "MAX_ERROR_RETRIES",
		"ratelimit.max_per_ip":        "RATELIMIT_MAX_PER_IP",
		"ratelimit.max_global":        "RATELIMIT_MAX_GLOBAL",
		"ratelimit.window_minutes":    "RATELIMIT_WINDOW_MINUTES",
		"ratelimit.cleanup_minutes":   "RATELIMIT_CLEANUP_MINUTES",
		"sweep.interval_sec":          "SWEEP_INTERVAL_SEC",
		"amqp.url":                    "AMQP_URL",
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
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Wallet.MasterSeed, "MASTER_SEED"},
		{c.Wallet.SealKey, "WALLET_SEAL_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	// The deriver refuses to start with an unusable master secret; catch it
	// here so a misconfigured process never comes up at all.
	seed, err := hex.DecodeString(strings.TrimPrefix(c.Wallet.MasterSeed, "0x"))
	if err != nil {
		return fmt.Errorf("MASTER_SEED is not valid hex: %w", err)
	}
	if len(seed) < 16 {
		return fmt.Errorf("MASTER_SEED too short: %d bytes, need at least 16", len(seed))
	}
	key, err := hex.DecodeString(strings.TrimPrefix(c.Wallet.SealKey, "0x"))
	if err != nil {
		return fmt.Errorf("WALLET_SEAL_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("WALLET_SEAL_KEY must be 32 bytes, got %d", len(key))
	}
	return nil
}

// MasterSeedBytes returns the decoded master seed. validate() already checked
// the encoding, so decoding cannot fail after a successful Load.
func (c *Config) MasterSeedBytes() []byte {
	seed, _ := hex.DecodeString(strings.TrimPrefix(c.Wallet.MasterSeed, "0x"))
	return seed
}

// SealKeyBytes returns the decoded 32-byte private-key sealing key.
func (c *Config) SealKeyBytes() *[32]byte {
	raw, _ := hex.DecodeString(strings.TrimPrefix(c.Wallet.SealKey, "0x"))
	var key [32]byte
	copy(key[:], raw)
	return &key
}
