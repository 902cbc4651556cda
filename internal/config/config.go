package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"wisefido-wearable/internal/models"
)

// Config 可穿戴安全监护配置（手表端守护进程与伴侣端守护进程共用）
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Kafka    KafkaConfig

	// 手表端配置
	Wearable struct {
		DeviceID string
		HTTP     HTTPConfig

		// 测量会话调度
		Measurement struct {
			Interval   time.Duration // 会话启动间隔，默认 60秒
			Duration   time.Duration // 单次会话时长，默认 40秒
			WarmupSkip int           // 会话开始丢弃的样本数，默认 5
		}

		// 滑动窗口大小
		Window struct {
			HeartRate int // 默认 30
			Motion    int // 默认 30
		}

		CountdownDuration time.Duration // 默认 30秒
		VibrationTopic    string        // 倒计时振动指令主题

		Thresholds         models.ThresholdTable
		ThresholdTableFile string // 可选 JSON 覆盖文件

		KeyPrefix string // Redis 键前缀，如 "wearable:"
	}

	// 手表 -> 伴侣 中继配置
	Relay struct {
		Transport string // "mqtt"（默认）或 "stream"
		Stream    string // Redis Streams 名称
	}

	// 伴侣端配置
	Companion struct {
		NodeID string
		HTTP   HTTPConfig

		FreshFixTimeout  time.Duration // 新鲜定位超时，默认 3秒
		LocationBackstop time.Duration // 定位兜底超时，默认 5秒
		CallDelay        time.Duration // 短信发送成功后延迟呼叫，默认 3秒

		NotificationStream string // 本地通知 Redis Streams
		ConsumerGroup      string // SOS Streams 消费者组
		KeyPrefix          string // Redis 键前缀，如 "companion:"
	}

	// 电话网关配置
	Telephony struct {
		BaseURL    string
		APIKey     string
		FromNumber string
		Timeout    time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Enabled = getEnvBool("DB_ENABLED", false)
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 2)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 0
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "wisefido")

	cfg.Kafka.Enabled = getEnvBool("KAFKA_ENABLED", false)
	cfg.Kafka.Brokers = splitList(getEnv("KAFKA_BROKERS", "localhost:9092"))
	cfg.Kafka.Topic = getEnv("KAFKA_ESCALATION_TOPIC", "wisefido.escalations")

	// 手表端
	cfg.Wearable.DeviceID = getEnv("WEARABLE_DEVICE_ID", "watch-1")
	cfg.Wearable.HTTP.Addr = getEnv("WEARABLE_HTTP_ADDR", ":8090")
	cfg.Wearable.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Wearable.Measurement.Interval = getEnvSeconds("MEASURE_INTERVAL_SECONDS", 60)
	cfg.Wearable.Measurement.Duration = getEnvSeconds("MEASURE_DURATION_SECONDS", 40)
	cfg.Wearable.Measurement.WarmupSkip = getEnvInt("MEASURE_WARMUP_SKIP", 5)
	cfg.Wearable.Window.HeartRate = getEnvInt("HR_WINDOW_SIZE", 30)
	cfg.Wearable.Window.Motion = getEnvInt("MOTION_WINDOW_SIZE", 30)
	cfg.Wearable.CountdownDuration = getEnvSeconds("COUNTDOWN_SECONDS", 30)
	cfg.Wearable.VibrationTopic = getEnv("VIBRATION_TOPIC", "")
	cfg.Wearable.KeyPrefix = getEnv("WEARABLE_KEY_PREFIX", "wearable:")
	cfg.Wearable.Thresholds = models.DefaultThresholdTable()
	cfg.Wearable.ThresholdTableFile = getEnv("THRESHOLD_TABLE_FILE", "")

	if cfg.Wearable.ThresholdTableFile != "" {
		table, err := LoadThresholdTable(cfg.Wearable.ThresholdTableFile)
		if err != nil {
			return nil, err
		}
		cfg.Wearable.Thresholds = table
	}

	cfg.Relay.Transport = strings.ToLower(getEnv("RELAY_TRANSPORT", "mqtt"))
	cfg.Relay.Stream = getEnv("RELAY_STREAM", "wisefido:sos")
	if cfg.Relay.Transport != "mqtt" && cfg.Relay.Transport != "stream" {
		return nil, fmt.Errorf("unsupported RELAY_TRANSPORT %q", cfg.Relay.Transport)
	}

	// 伴侣端
	cfg.Companion.NodeID = getEnv("COMPANION_NODE_ID", "companion-1")
	cfg.Companion.HTTP.Addr = getEnv("COMPANION_HTTP_ADDR", ":8091")
	cfg.Companion.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Companion.FreshFixTimeout = getEnvSeconds("FRESH_FIX_TIMEOUT_SECONDS", 3)
	cfg.Companion.LocationBackstop = getEnvSeconds("LOCATION_BACKSTOP_SECONDS", 5)
	cfg.Companion.CallDelay = getEnvSeconds("CALL_DELAY_SECONDS", 3)
	cfg.Companion.NotificationStream = getEnv("NOTIFICATION_STREAM", "wisefido:notifications")
	cfg.Companion.ConsumerGroup = getEnv("SOS_CONSUMER_GROUP", "companion")
	cfg.Companion.KeyPrefix = getEnv("COMPANION_KEY_PREFIX", "companion:")

	cfg.Telephony.BaseURL = getEnv("TELEPHONY_BASE_URL", "http://localhost:8088")
	cfg.Telephony.APIKey = getEnv("TELEPHONY_API_KEY", "")
	cfg.Telephony.FromNumber = getEnv("TELEPHONY_FROM_NUMBER", "")
	cfg.Telephony.Timeout = getEnvSeconds("TELEPHONY_TIMEOUT_SECONDS", 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// LoadThresholdTable 从 JSON 文件加载阈值表，未给出的行沿用默认值
func LoadThresholdTable(path string) (models.ThresholdTable, error) {
	table := models.DefaultThresholdTable()

	data, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("failed to read threshold table %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return table, fmt.Errorf("failed to parse threshold table %s: %w", path, err)
	}
	if err := table.Validate(); err != nil {
		return table, fmt.Errorf("invalid threshold table %s: %w", path, err)
	}
	return table, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
