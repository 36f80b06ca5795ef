package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadEnv_Defaults(t *testing.T) {
	cfg := LoadEnv()

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, 3, cfg.Reservation.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("RESERVATION_TTL", "90s")
	t.Setenv("SWEEPER_BATCH_SIZE", "25")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ENABLED", "false")

	cfg := LoadEnv()

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 90*time.Second, cfg.Reservation.TTL)
	assert.Equal(t, 25, cfg.Sweeper.BatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadEnv_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "soon")
	t.Setenv("RESERVATION_MAX_RETRIES", "many")

	cfg := LoadEnv()

	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, 3, cfg.Reservation.MaxRetries)
}
