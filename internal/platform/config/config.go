package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the engine process.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Engine    EngineConfig    `mapstructure:"engine"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds process-identity configuration.
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// EngineConfig is spec.md §3's frozen-at-read Configuration: poolSize,
// minThreads, maxQueueSize, maxTemporaryWorkers, workerIdleTimeout,
// functionCacheSize, lowMemoryMode, resourceLimits, retry defaults, and
// the coalescing-enabled flag.
type EngineConfig struct {
	PoolSize            int           `mapstructure:"pool_size" envconfig:"ENGINE_POOL_SIZE" default:"4"`
	MinThreads          int           `mapstructure:"min_threads" envconfig:"ENGINE_MIN_THREADS" default:"1"`
	MaxQueueSize        int           `mapstructure:"max_queue_size" envconfig:"ENGINE_MAX_QUEUE_SIZE" default:"1000"`
	MaxTemporaryWorkers int           `mapstructure:"max_temporary_workers" envconfig:"ENGINE_MAX_TEMP_WORKERS" default:"4"`
	WorkerIdleTimeout   time.Duration `mapstructure:"worker_idle_timeout" envconfig:"ENGINE_WORKER_IDLE_TIMEOUT" default:"30s"`
	FunctionCacheSize   int           `mapstructure:"function_cache_size" envconfig:"ENGINE_FUNCTION_CACHE_SIZE" default:"32"`
	LowMemoryMode       bool          `mapstructure:"low_memory_mode" envconfig:"ENGINE_LOW_MEMORY_MODE" default:"false"`
	MaxMemPercent       float64       `mapstructure:"max_mem_percent" envconfig:"ENGINE_MAX_MEM_PERCENT" default:"0"`
	MaxCPUPercent       float64       `mapstructure:"max_cpu_percent" envconfig:"ENGINE_MAX_CPU_PERCENT" default:"0"`
	CoalescingEnabled   bool          `mapstructure:"coalescing_enabled" envconfig:"ENGINE_COALESCING_ENABLED" default:"true"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts" envconfig:"ENGINE_RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay" envconfig:"ENGINE_RETRY_BASE_DELAY" default:"100ms"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay" envconfig:"ENGINE_RETRY_MAX_DELAY" default:"5s"`
	RetryBackoffFactor  float64       `mapstructure:"retry_backoff_factor" envconfig:"ENGINE_RETRY_BACKOFF_FACTOR" default:"2"`
}

// HTTPConfig holds the diagnostics/ops HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	// APIKeyHash is a bcrypt hash of the key remote clients (pkg/sdk) must
	// send as "Authorization: Bearer <key>" to reach /v1/tasks/*. Empty
	// disables the check, for local/dev use.
	APIKeyHash string `mapstructure:"api_key_hash" envconfig:"HTTP_API_KEY_HASH"`
}

// DatabaseConfig holds the metrics-snapshot Postgres connection.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"taskengine"`
	Schema          string        `mapstructure:"schema" envconfig:"DB_SCHEMA"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig holds the optional Redis connection housekeeping uses for its
// leader-election lock.
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds the completion-event publisher configuration.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"taskengine.task-events"`
	Enabled bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment, the teacher's way:
// viper reads an optional YAML file, envconfig then overrides from the
// environment (first globally, then under a service-specific prefix).
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	envPrefix := fmt.Sprintf("%s_", toEnvPrefix(serviceName))
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process service env vars: %w", err)
	}

	if cfg.Database.Schema == "" {
		cfg.Database.Schema = serviceName + "_service"
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts a service name to an environment variable prefix.
func toEnvPrefix(name string) string {
	result := ""
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result += "_"
		}
		if r >= 'a' && r <= 'z' {
			result += string(r - 32)
		} else {
			result += string(r)
		}
	}
	return result
}
