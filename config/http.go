package config

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the base URL of the application (e.g., "https://app.example.com").
	// Used for generating absolute URLs in outbound notifications.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// CronSecret is the static bearer token required on /api/cron endpoints.
	// Requests without it are rejected; an empty value disables the endpoints.
	CronSecret string `env:"CRON_SECRET"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.Addr == "" {
		h.Addr = ":8080"
	}
}

// CronEnabled returns true when the cron endpoints can authenticate callers.
func (h *HTTPConfig) CronEnabled() bool {
	return h.CronSecret != ""
}
