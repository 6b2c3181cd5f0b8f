package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	require.NotNil(t, cfg)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, LockBackendMemory, cfg.Progress.LockBackend)
	assert.Equal(t, 5*time.Second, cfg.Progress.LockTimeout)
	assert.Equal(t, time.RFC3339, cfg.Progress.DateLayout)
	assert.True(t, cfg.Events.Enabled)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "migrations", cfg.Database.MigrationsDir)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Redis.ReadTimeout)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("PROGRESS_LOCK_BACKEND", "REDIS")
	v.Set("PROGRESS_LOCK_TIMEOUT", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	v.Set("JWT_AUDIENCE", "student-portal,admin-portal")

	cfg := fromViper(v)
	assert.Equal(t, LockBackendRedis, cfg.Progress.LockBackend)
	assert.Equal(t, 5*time.Second, cfg.Progress.LockTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, []string{"student-portal", "admin-portal"}, cfg.JWT.Audience)
}

func TestUnknownLockBackendFallsBackToMemory(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("PROGRESS_LOCK_BACKEND", "etcd")

	cfg := fromViper(v)
	assert.Equal(t, LockBackendMemory, cfg.Progress.LockBackend)
}
