package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

// Config 巡检引擎配置
type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MQTT struct {
		Enabled  bool
		Broker   string
		ClientID string
		Username string
		Password string
		Topic    string
		QoS      byte
	}

	HTTP struct {
		Addr string
		// SchedulerSecret 调度器触发 tick 的共享密钥，空串表示不校验
		SchedulerSecret string
	}

	Monitoring struct {
		SoftThreshold    time.Duration
		EscalationWindow time.Duration
		RenotifyInterval time.Duration
		// TickInterval 内置轮询间隔，0 表示仅由外部调度器触发
		TickInterval time.Duration
		// StoreTimeout 单次外部调用（存储、发送通道）的超时
		StoreTimeout time.Duration
	}

	Notify struct {
		WebhookURL  string
		Channel     string
		MaxAttempts int
		Timeout     time.Duration
	}

	RateLimit struct {
		Limit  int
		Window time.Duration
		Store  string // memory 或 redis
	}

	Log struct {
		Level  string
		Format string
		Dir    string
	}
}

// Load 加载配置（.env 文件可选，环境变量优先）
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "kindconnect")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "checkin-engine")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "sensor/+/+")
	cfg.MQTT.QoS = 1

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8086")
	cfg.HTTP.SchedulerSecret = getEnv("SCHEDULER_SECRET", "")

	var err error
	if cfg.Monitoring.SoftThreshold, err = getEnvDuration("SOFT_THRESHOLD", 45*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Monitoring.EscalationWindow, err = getEnvDuration("ESCALATION_WINDOW", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Monitoring.RenotifyInterval, err = getEnvDuration("ESCALATION_RENOTIFY_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.Monitoring.TickInterval, err = getEnvDuration("TICK_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.Monitoring.StoreTimeout, err = getEnvDuration("STORE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.Notify.Channel = getEnv("NOTIFY_CHANNEL", "sms")
	cfg.Notify.MaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 3)
	if cfg.Notify.Timeout, err = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.RateLimit.Limit = getEnvInt("RATE_LIMIT", 100)
	if cfg.RateLimit.Window, err = getEnvDuration("RATE_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	cfg.RateLimit.Store = getEnv("RATE_STORE", "memory")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.Dir = getEnv("LOG_DIR", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置；阈值缺失时拒绝启动
func (c *Config) Validate() error {
	if err := c.MonitoringConfig().Validate(); err != nil {
		return err
	}
	if c.Notify.MaxAttempts < 1 {
		return errs.New(errs.KindConfig, "NOTIFY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimit.Limit < 1 {
		return errs.New(errs.KindConfig, "RATE_LIMIT must be at least 1")
	}
	if c.RateLimit.Window <= 0 {
		return errs.New(errs.KindConfig, "RATE_WINDOW must be positive")
	}
	if c.RateLimit.Store != "memory" && c.RateLimit.Store != "redis" {
		return errs.Newf(errs.KindConfig, "RATE_STORE must be memory or redis, got %q", c.RateLimit.Store)
	}
	return nil
}

// MonitoringConfig 返回部署级阈值配置
func (c *Config) MonitoringConfig() models.MonitoringConfig {
	return models.MonitoringConfig{
		SoftThreshold:    c.Monitoring.SoftThreshold,
		EscalationWindow: c.Monitoring.EscalationWindow,
		RenotifyInterval: c.Monitoring.RenotifyInterval,
	}
}

// DSN 构建数据库连接字符串
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errs.Newf(errs.KindConfig, "invalid duration for %s: %q", key, value)
	}
	return d, nil
}
