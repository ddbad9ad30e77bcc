package config

// MailConfig contains outbound SMTP configuration for the email channel.
// Email is disabled entirely when Host is empty.
type MailConfig struct {
	// Host is the SMTP server hostname. Empty disables email delivery.
	Host string `env:"HOST"`

	// Port is the SMTP server port.
	Port int `env:"PORT" envDefault:"587"`

	// Username authenticates against the SMTP server. Empty skips auth.
	Username string `env:"USERNAME"`

	// Password authenticates against the SMTP server.
	Password string `env:"PASSWORD"`

	// From is the sender address on outbound digests.
	From string `env:"FROM" envDefault:"updates@winpack.local"`
}

// Sanitize applies guardrails to mail configuration values.
func (m *MailConfig) Sanitize() {
	if m.Port <= 0 || m.Port > 65535 {
		m.Port = 587
	}
	if m.From == "" {
		m.From = "updates@winpack.local"
	}
}

// Enabled reports whether the email channel is configured.
func (m *MailConfig) Enabled() bool {
	return m.Host != ""
}
