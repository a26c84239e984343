package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Abenedis/aplitapp/common/config"
	"github.com/Abenedis/aplitapp/internal/topic"
)

// 退避策略
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// 标注存储后端
const (
	AnnotationMemory   = "memory"
	AnnotationRedis    = "redis"
	AnnotationPostgres = "postgres"
)

// DefaultTopics 默认订阅的主题
var DefaultTopics = []string{"shibaSensors", "shibaSensors/#", "sensors/#", "device/#"}

// BackoffConfig 重连退避配置
type BackoffConfig struct {
	Policy      string
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Interval    time.Duration // fixed 策略的间隔
	MaxAttempts int           // 0 表示不限次数
	Jitter      float64
}

// Config 遥测服务配置
type Config struct {
	HTTPAddr string

	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Telemetry struct {
		Topics            []string
		RetentionLimit    int
		DisableServerMQTT bool
		Stream            string
		RedisEnabled      bool
		AnnotationBackend string
	}

	Backoff BackoffConfig

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "aplit")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://aplit.tech:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "aplit-telemetry")
	cfg.MQTT.KeepAlive = 60 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	var err error

	// 遥测服务配置
	cfg.Telemetry.Topics = parseList(getEnv("MQTT_TOPICS", strings.Join(DefaultTopics, ",")))
	if cfg.Telemetry.RetentionLimit, err = parseInt("RETENTION_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.Telemetry.DisableServerMQTT, err = parseBool("DISABLE_SERVER_MQTT", false); err != nil {
		return nil, err
	}
	if cfg.Telemetry.RedisEnabled, err = parseBool("REDIS_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.Telemetry.Stream = getEnv("TELEMETRY_STREAM", "aplit:telemetry:stream")
	cfg.Telemetry.AnnotationBackend = strings.ToLower(getEnv("ANNOTATION_BACKEND", AnnotationMemory))

	// 重连退避
	cfg.Backoff.Policy = strings.ToLower(getEnv("BACKOFF_POLICY", BackoffExponential))
	if cfg.Backoff.Initial, err = parseDuration("BACKOFF_INITIAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Backoff.Max, err = parseDuration("BACKOFF_MAX", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.Backoff.Interval, err = parseDuration("BACKOFF_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Backoff.Multiplier, err = parseFloat("BACKOFF_MULTIPLIER", 2); err != nil {
		return nil, err
	}
	if cfg.Backoff.Jitter, err = parseFloat("BACKOFF_JITTER", 0); err != nil {
		return nil, err
	}
	if cfg.Backoff.MaxAttempts, err = parseInt("BACKOFF_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" && !c.Telemetry.DisableServerMQTT {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if len(c.Telemetry.Topics) == 0 {
		return fmt.Errorf("MQTT_TOPICS must contain at least one topic")
	}
	for _, pattern := range c.Telemetry.Topics {
		if err := topic.Validate(pattern); err != nil {
			return fmt.Errorf("invalid topic %q: %w", pattern, err)
		}
	}
	if c.Telemetry.RetentionLimit < 1 {
		return fmt.Errorf("RETENTION_LIMIT must be >= 1, got %d", c.Telemetry.RetentionLimit)
	}

	switch c.Backoff.Policy {
	case BackoffExponential:
		if c.Backoff.Multiplier < 1 {
			return fmt.Errorf("BACKOFF_MULTIPLIER must be >= 1, got %v", c.Backoff.Multiplier)
		}
		if c.Backoff.Max < c.Backoff.Initial {
			return fmt.Errorf("BACKOFF_MAX (%s) must not be below BACKOFF_INITIAL (%s)", c.Backoff.Max, c.Backoff.Initial)
		}
	case BackoffFixed:
	default:
		return fmt.Errorf("unknown BACKOFF_POLICY %q", c.Backoff.Policy)
	}
	if c.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("BACKOFF_MAX_ATTEMPTS must be >= 0, got %d", c.Backoff.MaxAttempts)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("BACKOFF_JITTER must be in [0, 1), got %v", c.Backoff.Jitter)
	}

	switch c.Telemetry.AnnotationBackend {
	case AnnotationMemory, AnnotationPostgres:
	case AnnotationRedis:
		if !c.Telemetry.RedisEnabled {
			return fmt.Errorf("ANNOTATION_BACKEND=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown ANNOTATION_BACKEND %q", c.Telemetry.AnnotationBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
