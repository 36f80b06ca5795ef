package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Logger      LoggerConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Storage     StorageConfig
	Reservation ReservationConfig
	Sweeper     SweeperConfig
	Outbox      OutboxConfig
	Cache       CacheConfig
	Tracing     TracingConfig
}

type ServerConfig struct {
	AppEnv      string
	GRPCPort    string
	MetricsAddr string
}

type LoggerConfig struct {
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	Topic       string
	GroupID     string
	EventsTopic string
}

type StorageConfig struct {
	Driver        string // postgres or memory
	SlowThreshold time.Duration
}

type ReservationConfig struct {
	TTL                  time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
}

type OutboxConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

func LoadEnv() *Config {
	return &Config{
		Server: ServerConfig{
			AppEnv:      getEnv("APP_ENV", "dev"),
			GRPCPort:    getEnv("GRPC_PORT", ":8083"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9093"),
		},
		Logger: LoggerConfig{
			Level:             getEnv("LOGGER_LEVEL", "debug"),
			Encoding:          getEnv("LOGGER_ENCODING", "console"),
			DisableCaller:     getEnvBool("LOGGER_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOGGER_DISABLE_STACKTRACE", true),
		},
		Postgres: PostgresConfig{
			Host:            getEnv("POSTGRES_HOST", "localhost"),
			Port:            getEnv("POSTGRES_PORT", "5433"),
			User:            getEnv("POSTGRES_USER", "omnipos"),
			Password:        getEnv("POSTGRES_PASSWORD", "omnipos"),
			DBName:          getEnv("POSTGRES_DB", "omnipos_inventory"),
			SSLMode:         getEnv("POSTGRES_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("POSTGRES_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvInt("POSTGRES_CONN_MAX_LIFETIME", 300),
			ConnMaxIdleTime: getEnvInt("POSTGRES_CONN_MAX_IDLE_TIME", 60),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvBool("KAFKA_ENABLED", true),
			Brokers:     getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:       getEnv("KAFKA_TOPIC_ORDERS", "orders.events"),
			GroupID:     getEnv("KAFKA_GROUP_INVENTORY", "inventory"),
			EventsTopic: getEnv("KAFKA_TOPIC_STOCK_EVENTS", "stock.events"),
		},
		Storage: StorageConfig{
			Driver:        getEnv("STORAGE_DRIVER", "postgres"),
			SlowThreshold: getEnvDuration("STORAGE_SLOW_THRESHOLD", 500*time.Millisecond),
		},
		Reservation: ReservationConfig{
			TTL:                  getEnvDuration("RESERVATION_TTL", 15*time.Minute),
			MaxRetries:           getEnvInt("RESERVATION_MAX_RETRIES", 3),
			RetryInitialInterval: getEnvDuration("RESERVATION_RETRY_INTERVAL", 20*time.Millisecond),
		},
		Sweeper: SweeperConfig{
			Interval:  getEnvDuration("SWEEPER_INTERVAL", 30*time.Second),
			BatchSize: getEnvInt("SWEEPER_BATCH_SIZE", 100),
			LeaseTTL:  getEnvDuration("SWEEPER_LEASE_TTL", 25*time.Second),
		},
		Outbox: OutboxConfig{
			Interval:    getEnvDuration("OUTBOX_INTERVAL", 500*time.Millisecond),
			BatchSize:   getEnvInt("OUTBOX_BATCH_SIZE", 50),
			MaxAttempts: getEnvInt("OUTBOX_MAX_ATTEMPTS", 10),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("STOCK_CACHE_ENABLED", true),
			TTL:     getEnvDuration("STOCK_CACHE_TTL", 5*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "omnipos-inventory-service"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
