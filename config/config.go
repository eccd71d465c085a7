// config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the gateway service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Activation ActivationConfig `mapstructure:"activation"`
	Token      TokenConfig      `mapstructure:"token"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Commands   CommandConfig    `mapstructure:"commands"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	AdminToken   string        `mapstructure:"admin_token"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for downstream batch
// delivery.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for the optional ingest bridge.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topics            []string      `mapstructure:"topics"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// ActivationConfig holds activation code lifecycle and throttling settings.
type ActivationConfig struct {
	CodeValidity      time.Duration `mapstructure:"code_validity"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitAttempts int           `mapstructure:"rate_limit_attempts"`
}

// TokenConfig holds the session token settings. The signing secret is
// process-wide state loaded once at startup and never logged.
type TokenConfig struct {
	Secret       string        `mapstructure:"secret"`
	Lifetime     time.Duration `mapstructure:"lifetime"`
	RefreshGrace time.Duration `mapstructure:"refresh_grace"`
}

// IngestConfig holds data batch validation limits.
type IngestConfig struct {
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew"`
	MaxSampleAge  time.Duration `mapstructure:"max_sample_age"`
}

// CommandConfig holds command queue settings.
type CommandConfig struct {
	MaxQueueDepth int `mapstructure:"max_queue_depth"`
}

// GatewayConfig holds the heartbeat windows that derive connection status.
type GatewayConfig struct {
	HeartbeatFreshness time.Duration `mapstructure:"heartbeat_freshness"`
	HeartbeatGrace     time.Duration `mapstructure:"heartbeat_grace"`
}

// StorageConfig holds local spill storage settings.
type StorageConfig struct {
	WALPath string `mapstructure:"wal_path"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("HERCULES")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.max_body_bytes", 1048576) // 1MB

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle_time", "10m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("service_bus.queue_name", "sfms-batches")
	viper.SetDefault("service_bus.max_retries", 3)
	viper.SetDefault("service_bus.retry_delay", "1s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.clean_session", false)
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("activation.code_validity", "360h") // 15 days
	viper.SetDefault("activation.rate_limit_window", "15m")
	viper.SetDefault("activation.rate_limit_attempts", 10)

	viper.SetDefault("token.lifetime", "24h")
	viper.SetDefault("token.refresh_grace", "72h")

	viper.SetDefault("ingest.max_batch_size", 500)
	viper.SetDefault("ingest.max_future_skew", "5m")
	viper.SetDefault("ingest.max_sample_age", "720h") // 30 days

	viper.SetDefault("commands.max_queue_depth", 100)

	viper.SetDefault("gateway.heartbeat_freshness", "2m")
	viper.SetDefault("gateway.heartbeat_grace", "15m")

	viper.SetDefault("storage.wal_path", "/data/wal/batches.wal")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Token.Secret == "" {
		return nil, fmt.Errorf("token.secret is required (set HERCULES_TOKEN_SECRET)")
	}

	return &config, nil
}
