package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-wearable/internal/models"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "wisefido", cfg.MQTT.TopicPrefix)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)

	assert.Equal(t, 60*time.Second, cfg.Wearable.Measurement.Interval)
	assert.Equal(t, 40*time.Second, cfg.Wearable.Measurement.Duration)
	assert.Equal(t, 5, cfg.Wearable.Measurement.WarmupSkip)
	assert.Equal(t, 30*time.Second, cfg.Wearable.CountdownDuration)
	assert.Equal(t, models.DefaultThresholdTable(), cfg.Wearable.Thresholds)

	assert.Equal(t, "mqtt", cfg.Relay.Transport)
	assert.Equal(t, 3*time.Second, cfg.Companion.FreshFixTimeout)
	assert.Equal(t, 3*time.Second, cfg.Companion.CallDelay)
	assert.Equal(t, "wisefido:notifications", cfg.Companion.NotificationStream)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("KAFKA_ENABLED", "true")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	os.Setenv("RELAY_TRANSPORT", "STREAM")
	os.Setenv("CALL_DELAY_SECONDS", "7")
	os.Setenv("MEASURE_WARMUP_SKIP", "0")
	os.Setenv("LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "stream", cfg.Relay.Transport)
	assert.Equal(t, 7*time.Second, cfg.Companion.CallDelay)
	assert.Equal(t, 0, cfg.Wearable.Measurement.WarmupSkip)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_UnknownRelayTransport(t *testing.T) {
	os.Clearenv()
	os.Setenv("RELAY_TRANSPORT", "carrier-pigeon")
	defer os.Clearenv()

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadThresholdTable_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fishing":{"critical_min":38,"warning_min":48,"normal_min":58}}`), 0o600))

	table, err := LoadThresholdTable(path)
	require.NoError(t, err)

	assert.Equal(t, models.HeartRateThresholds{CriticalMin: 38, WarningMin: 48, NormalMin: 58}, table.Fishing)
	assert.Equal(t, models.DefaultThresholdTable().Sleeping, table.Sleeping)
}

func TestLoadThresholdTable_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sleeping":{"critical_min":50,"warning_min":45,"normal_min":35}}`), 0o600))

	_, err := LoadThresholdTable(path)
	assert.Error(t, err)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=d sslmode=disable", c.GetDSN())
}
