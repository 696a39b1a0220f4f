// Package config defines the application configuration, loaded from
// environment variables with github.com/caarlos0/env.
package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files:
//   - database.go: Postgres and Redis configuration
//   - http.go: HTTP server configuration
//   - queue.go: job queue, worker, and sweeper configuration
//   - services.go: service mode selection
//   - observability.go: logging and metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (in-memory store fallback,
	// text logs). Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Queue configuration
	Queue   QueueConfig
	Worker  WorkerConfig
	Sweeper SweeperConfig

	// Services selects which components this process runs, as a
	// comma-delimited list (e.g. "http,worker,sweeper").
	Services string `env:"SERVICES" envDefault:"http"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// Call after env parsing.
func (c *AppConfig) Sanitize() {
	c.Queue.Sanitize()
	c.Worker.Sanitize()
	c.Sweeper.Sanitize()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.isEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.isEnabled(ServiceModeWorker)
}

// IsSweeperEnabled returns true if the recovery sweeper is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	return c.isEnabled(ServiceModeSweeper)
}

func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
