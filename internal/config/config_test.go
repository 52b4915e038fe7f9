package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/errs"
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
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "kindconnect", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "sensor/+/+", cfg.MQTT.Topic)

	assert.Equal(t, ":8086", cfg.HTTP.Addr)
	assert.Equal(t, "", cfg.HTTP.SchedulerSecret)

	assert.Equal(t, 45*time.Minute, cfg.Monitoring.SoftThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Monitoring.EscalationWindow)
	assert.Equal(t, time.Duration(0), cfg.Monitoring.RenotifyInterval)
	assert.Equal(t, time.Duration(0), cfg.Monitoring.TickInterval)

	assert.Equal(t, 3, cfg.Notify.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Notify.Timeout)

	assert.Equal(t, 100, cfg.RateLimit.Limit)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "memory", cfg.RateLimit.Store)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("SOFT_THRESHOLD", "30s")
	os.Setenv("ESCALATION_WINDOW", "60s")
	os.Setenv("ESCALATION_RENOTIFY_INTERVAL", "15m")
	os.Setenv("SCHEDULER_SECRET", "s3cret")
	os.Setenv("RATE_STORE", "redis")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.SoftThreshold)
	assert.Equal(t, 60*time.Second, cfg.Monitoring.EscalationWindow)
	assert.Equal(t, 15*time.Minute, cfg.Monitoring.RenotifyInterval)
	assert.Equal(t, "s3cret", cfg.HTTP.SchedulerSecret)
	assert.Equal(t, "redis", cfg.RateLimit.Store)
	assert.Equal(t, "debug", cfg.Log.Level)

	os.Clearenv()
}

func TestLoad_InvalidDuration(t *testing.T) {
	os.Clearenv()
	os.Setenv("SOFT_THRESHOLD", "not-a-duration")

	cfg, err := Load()
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))

	os.Clearenv()
}

func TestLoad_InvalidRateStore(t *testing.T) {
	os.Clearenv()
	os.Setenv("RATE_STORE", "memcached")

	cfg, err := Load()
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))

	os.Clearenv()
}

func TestValidate_MissingThreshold(t *testing.T) {
	cfg := &Config{}
	cfg.Notify.MaxAttempts = 3
	cfg.RateLimit.Limit = 100
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.Store = "memory"

	// SoftThreshold 为 0 时必须拒绝启动
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))
}

func TestDSN(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Host = "db"
	cfg.Database.Port = 5432
	cfg.Database.User = "u"
	cfg.Database.Password = "p"
	cfg.Database.Database = "kindconnect"
	cfg.Database.SSLMode = "disable"

	assert.Equal(t,
		"host=db port=5432 user=u password=p dbname=kindconnect sslmode=disable",
		cfg.DSN(),
	)
}
