package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Queue.RunningTimeout)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.Schedule)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "http", cfg.Services)
	assert.False(t, cfg.Redis.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("QUEUE_RUNNING_TIMEOUT", "20m")
	t.Setenv("QUEUE_POLL_INTERVAL", "500ms")
	t.Setenv("SERVICES", "http,worker,sweeper")
	t.Setenv("DB_HOST", "db.internal")

	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 20*time.Minute, cfg.Queue.RunningTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.True(t, cfg.IsHTTPServerEnabled())
	assert.True(t, cfg.IsWorkerEnabled())
	assert.True(t, cfg.IsSweeperEnabled())
}

func TestSanitizeGuardrails(t *testing.T) {
	cfg := AppConfig{
		Queue:   QueueConfig{MaxAttempts: 0, RunningTimeout: time.Second},
		Worker:  WorkerConfig{PollInterval: time.Millisecond, Concurrency: -2},
		Sweeper: SweeperConfig{StartupJitter: -time.Second},
	}
	cfg.Sanitize()

	assert.Equal(t, 1, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Queue.RunningTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.Schedule)
	assert.Equal(t, time.Duration(0), cfg.Sweeper.StartupJitter)
}

func TestParseServices(t *testing.T) {
	services, err := ParseServices("http, worker")
	require.NoError(t, err)
	assert.True(t, services[ServiceModeHTTP])
	assert.True(t, services[ServiceModeWorker])
	assert.False(t, services[ServiceModeSweeper])

	_, err = ParseServices("")
	assert.Error(t, err)

	_, err = ParseServices("http,reaper")
	assert.Error(t, err)
}

func TestDBConfigDSN(t *testing.T) {
	d := DBConfig{
		Host: "localhost", Port: 5432,
		User: "u", Password: "p", Name: "jobs", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=u password=p dbname=jobs sslmode=disable",
		d.DSN())
}
