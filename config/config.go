package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and Redis configuration
//   - http.go: HTTP server and cron endpoint configuration
//   - services.go: Service mode and worker configuration
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, relaxed guardrails).
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Services is the comma-delimited list of service modes to run.
	Services string `env:"SERVICES" envDefault:"http"`

	// Worker configuration
	Packager    PackagerConfig
	Poller      PollerConfig
	Batch       BatchConfig
	UpdateCheck UpdateCheckConfig
	Notifier    NotifierConfig
	Retention   RetentionConfig

	// Mail is the outbound SMTP configuration for the email channel.
	Mail MailConfig `envPrefix:"SMTP_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Packager.Sanitize()
	c.Poller.Sanitize()
	c.Batch.Sanitize()
	c.UpdateCheck.Sanitize()
	c.Notifier.Sanitize()
	c.Retention.Sanitize()
	c.Mail.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.isServiceEnabled(ServiceModeHTTP)
}

// IsPollerEnabled returns true if the packaging job poller is enabled.
func (c *AppConfig) IsPollerEnabled() bool {
	return c.isServiceEnabled(ServiceModePoller)
}

// IsBatchOrchestratorEnabled returns true if the batch orchestrator is enabled.
func (c *AppConfig) IsBatchOrchestratorEnabled() bool {
	return c.isServiceEnabled(ServiceModeBatch)
}

// IsUpdateCheckerEnabled returns true if the update detection worker is enabled.
func (c *AppConfig) IsUpdateCheckerEnabled() bool {
	return c.isServiceEnabled(ServiceModeUpdateCheck)
}

// IsNotifierEnabled returns true if the notification dispatcher is enabled.
func (c *AppConfig) IsNotifierEnabled() bool {
	return c.isServiceEnabled(ServiceModeNotifier)
}

// IsRetentionEnabled returns true if the retention reaper is enabled.
func (c *AppConfig) IsRetentionEnabled() bool {
	return c.isServiceEnabled(ServiceModeRetention)
}

func (c *AppConfig) isServiceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
