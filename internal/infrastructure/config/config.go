package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the settlement service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	RetryQueue RetryQueueConfig `mapstructure:"retry_queue"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
}

// ServerConfig configures the metrics/health HTTP listener
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// BlockchainConfig configures the chain RPC provider and the settlement contract
type BlockchainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	SettlementContract string `mapstructure:"settlement_contract"`
	DeploymentBlock    uint64 `mapstructure:"deployment_block"`
	SyncChunkSize      uint64 `mapstructure:"sync_chunk_size"`
	PollInterval       int    `mapstructure:"poll_interval_seconds"`
	RPCTimeout         int    `mapstructure:"rpc_timeout_seconds"`
	GasPriceCacheTTL   int    `mapstructure:"gas_price_cache_ttl_seconds"`
	GasPriceFloorWei   int64  `mapstructure:"gas_price_floor_wei"`
	MonitorTimeoutMin  int    `mapstructure:"monitor_timeout_minutes"`
}

// BreakerConfig holds circuit breaker thresholds shared by all dependencies
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	RecoveryTimeout  int `mapstructure:"recovery_timeout_seconds"`
	MonitoringPeriod int `mapstructure:"monitoring_period_seconds"`
	SweepInterval    int `mapstructure:"sweep_interval_seconds"`
	CallTimeout      int `mapstructure:"call_timeout_seconds"`
}

type RetryQueueConfig struct {
	PollInterval int `mapstructure:"poll_interval_seconds"`
	BatchSize    int `mapstructure:"batch_size"`
	MaxRetries   int `mapstructure:"max_retries"`
	WorkerCount  int `mapstructure:"worker_count"`
}

type AlertingConfig struct {
	EmailEnabled bool   `mapstructure:"email_enabled"`
	SendGridKey  string `mapstructure:"sendgrid_key"`
	FromEmail    string `mapstructure:"from_email"`
	ToEmail      string `mapstructure:"to_email"`
}

// Load reads configuration from config.yaml and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Build database URL if not provided
	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 9090)
	viper.SetDefault("server.host", "0.0.0.0")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "settlement_service")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("blockchain.rpc_url", "http://localhost:8545")
	viper.SetDefault("blockchain.deployment_block", 0)
	viper.SetDefault("blockchain.sync_chunk_size", 2000)
	viper.SetDefault("blockchain.poll_interval_seconds", 15)
	viper.SetDefault("blockchain.rpc_timeout_seconds", 15)
	viper.SetDefault("blockchain.gas_price_cache_ttl_seconds", 30)
	viper.SetDefault("blockchain.gas_price_floor_wei", 50_000_000_000) // 50 gwei
	viper.SetDefault("blockchain.monitor_timeout_minutes", 30)

	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.success_threshold", 3)
	viper.SetDefault("breaker.recovery_timeout_seconds", 60)
	viper.SetDefault("breaker.monitoring_period_seconds", 300)
	viper.SetDefault("breaker.sweep_interval_seconds", 30)
	viper.SetDefault("breaker.call_timeout_seconds", 15)

	viper.SetDefault("retry_queue.poll_interval_seconds", 30)
	viper.SetDefault("retry_queue.batch_size", 10)
	viper.SetDefault("retry_queue.max_retries", 10)
	viper.SetDefault("retry_queue.worker_count", 1)

	viper.SetDefault("alerting.email_enabled", false)
}

func validate(cfg *Config) error {
	if cfg.Blockchain.RPCURL == "" {
		return fmt.Errorf("blockchain.rpc_url is required")
	}
	if cfg.Blockchain.SyncChunkSize == 0 {
		return fmt.Errorf("blockchain.sync_chunk_size must be positive")
	}
	if cfg.RetryQueue.MaxRetries <= 0 {
		return fmt.Errorf("retry_queue.max_retries must be positive")
	}
	if cfg.Alerting.EmailEnabled && cfg.Alerting.SendGridKey == "" {
		return fmt.Errorf("alerting.sendgrid_key is required when email alerts are enabled")
	}
	return nil
}

// RPCTimeoutDuration returns the per-call RPC timeout
func (c BlockchainConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(c.RPCTimeout) * time.Second
}
