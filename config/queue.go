package config

import "time"

// QueueConfig contains the core job queue tunables.
type QueueConfig struct {
	// MaxAttempts is the claim budget before a job is dead-lettered.
	MaxAttempts int `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`

	// RunningTimeout is the lock age after which a running job is
	// considered abandoned by its worker.
	RunningTimeout time.Duration `env:"QUEUE_RUNNING_TIMEOUT" envDefault:"10m"`

	// MetricsCacheTTL bounds the staleness of the cached metrics snapshot.
	MetricsCacheTTL time.Duration `env:"QUEUE_METRICS_CACHE_TTL" envDefault:"30s"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.MaxAttempts < 1 {
		q.MaxAttempts = 1
	}
	if q.RunningTimeout < time.Minute {
		q.RunningTimeout = time.Minute
	}
	if q.MetricsCacheTTL <= 0 {
		q.MetricsCacheTTL = 30 * time.Second
	}
}

// WorkerConfig contains worker loop configuration.
type WorkerConfig struct {
	// PollInterval is the delay between empty claim attempts.
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`

	// Concurrency is the number of loop goroutines per worker process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"1"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
}

// SweeperConfig contains recovery sweeper configuration.
type SweeperConfig struct {
	// Schedule is a standard cron expression.
	Schedule string `env:"SWEEPER_SCHEDULE" envDefault:"*/5 * * * *"`

	// StartupJitter spreads the first sweep of restarted processes.
	StartupJitter time.Duration `env:"SWEEPER_STARTUP_JITTER" envDefault:"30s"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.Schedule == "" {
		s.Schedule = "*/5 * * * *"
	}
	if s.StartupJitter < 0 {
		s.StartupJitter = 0
	}
}
