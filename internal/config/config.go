package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Alert      AlertConfig      `yaml:"alert" json:"alert"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
	APIKey   string `yaml:"api_key" json:"api_key"`
}

// PostgresConfig holds PostgreSQL settings. An empty Host selects the embedded
// sqlite mirror, for local runs without a database.
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	SQLitePath      string `yaml:"sqlite_path" json:"sqlite_path"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig holds chain connection settings. An empty ContractAddress
// selects the in-process ledger backend (mock mode).
type BlockchainConfig struct {
	RPCURL          string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs   []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID         int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress string   `yaml:"contract_address" json:"contract_address"`
	PrivateKey      string   `yaml:"private_key" json:"private_key"`
	GasLimit        uint64   `yaml:"gas_limit" json:"gas_limit"`
	GasPriceGwei    int64    `yaml:"gas_price_gwei" json:"gas_price_gwei"`
	Confirmations   int      `yaml:"confirmations" json:"confirmations"`
}

// AuditConfig holds audit write/backfill settings.
type AuditConfig struct {
	MaxRetries          int `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMs      int `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	ReceiptTimeoutSec   int `yaml:"receipt_timeout_sec" json:"receipt_timeout_sec"`
	ReceiptPollMs       int `yaml:"receipt_poll_ms" json:"receipt_poll_ms"`
	BackfillIntervalMin int `yaml:"backfill_interval_min" json:"backfill_interval_min"`
	BackfillMaxPerRun   int `yaml:"backfill_max_per_run" json:"backfill_max_per_run"`
}

// AlertConfig holds alert webhook settings.
type AlertConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	WebhookURL     string `yaml:"webhook_url" json:"webhook_url"`
	WebhookType    string `yaml:"webhook_type" json:"webhook_type"`
	TelegramChatID string `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	RatePerMinute  int    `yaml:"rate_per_minute" json:"rate_per_minute"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load reads a yaml config file, expanding ${VAR:default} references from the
// environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR:default} placeholders.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "btcbot-audit"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}
	if cfg.Postgres.SQLitePath == "" {
		cfg.Postgres.SQLitePath = "audit.db"
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.Blockchain.RPCURL == "" {
		cfg.Blockchain.RPCURL = "https://polygon-bor-rpc.publicnode.com"
	}
	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 137 // Polygon PoS
	}
	if cfg.Blockchain.GasLimit == 0 {
		cfg.Blockchain.GasLimit = 80000
	}
	if cfg.Blockchain.GasPriceGwei == 0 {
		cfg.Blockchain.GasPriceGwei = 30
	}

	if cfg.Audit.MaxRetries == 0 {
		cfg.Audit.MaxRetries = 3
	}
	if cfg.Audit.RetryBackoffMs == 0 {
		cfg.Audit.RetryBackoffMs = 500
	}
	if cfg.Audit.ReceiptTimeoutSec == 0 {
		cfg.Audit.ReceiptTimeoutSec = 120
	}
	if cfg.Audit.ReceiptPollMs == 0 {
		cfg.Audit.ReceiptPollMs = 2000
	}
	if cfg.Audit.BackfillIntervalMin == 0 {
		cfg.Audit.BackfillIntervalMin = 60
	}
	if cfg.Audit.BackfillMaxPerRun == 0 {
		cfg.Audit.BackfillMaxPerRun = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt reads an integer environment variable with a fallback.
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString reads a string environment variable with a fallback.
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
