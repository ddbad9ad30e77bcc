package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModePoller runs the packaging job poller.
	ServiceModePoller ServiceMode = "poller"
	// ServiceModeBatch runs the batch deployment orchestrator.
	ServiceModeBatch ServiceMode = "batch"
	// ServiceModeUpdateCheck runs the update detection worker.
	ServiceModeUpdateCheck ServiceMode = "update-check"
	// ServiceModeNotifier runs the notification dispatcher and webhook retry runner.
	ServiceModeNotifier ServiceMode = "notifier"
	// ServiceModeRetention runs the retention reaper.
	ServiceModeRetention ServiceMode = "retention"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModePoller,
		ServiceModeBatch,
		ServiceModeUpdateCheck,
		ServiceModeNotifier,
		ServiceModeRetention,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModePoller,
			ServiceModeBatch,
			ServiceModeUpdateCheck,
			ServiceModeNotifier,
			ServiceModeRetention:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, poller, batch, update-check, notifier, retention)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// PollerConfig contains packaging job poller configuration.
type PollerConfig struct {
	// Interval is the poll tick interval when the queue is empty.
	Interval time.Duration `env:"POLLER_INTERVAL" envDefault:"5s"`

	// StaleTimeout is how long a claimed job may go without a heartbeat before
	// it is recovered back to the queue.
	StaleTimeout time.Duration `env:"POLLER_STALE_TIMEOUT" envDefault:"3m"`

	// Concurrency is the number of packager worker goroutines.
	Concurrency int `env:"POLLER_CONCURRENCY" envDefault:"1"`

	// PackagerID identifies this packager instance; defaults to the hostname.
	PackagerID string `env:"POLLER_PACKAGER_ID"`
}

// Sanitize applies guardrails to poller configuration values.
func (p *PollerConfig) Sanitize() {
	if p.Interval <= 0 {
		p.Interval = 5 * time.Second
	}
	if p.StaleTimeout < 30*time.Second {
		p.StaleTimeout = 30 * time.Second
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
}

// HeartbeatInterval derives the heartbeat period from the stale timeout so a
// healthy packager always beats well inside the recovery window.
func (p *PollerConfig) HeartbeatInterval() time.Duration {
	return p.StaleTimeout / 3
}

// PackagerConfig contains packaging engine adapter configuration.
type PackagerConfig struct {
	// EngineURL is the base URL of the external packaging engine.
	// Required when the poller service is enabled.
	EngineURL string `env:"PACKAGER_ENGINE_URL"`

	// RequestTimeout bounds one engine call. Conversion and upload stages can
	// legitimately take minutes.
	RequestTimeout time.Duration `env:"PACKAGER_REQUEST_TIMEOUT" envDefault:"5m"`
}

// Sanitize applies guardrails to packager configuration values.
func (p *PackagerConfig) Sanitize() {
	if p.RequestTimeout < 30*time.Second {
		p.RequestTimeout = 30 * time.Second
	}
}

// BatchConfig contains batch orchestrator configuration.
type BatchConfig struct {
	// Interval is the orchestrator tick interval.
	Interval time.Duration `env:"BATCH_INTERVAL" envDefault:"10s"`

	// MaxPendingPerTick is the number of pending batches expanded per tick.
	MaxPendingPerTick int `env:"BATCH_MAX_PENDING_PER_TICK" envDefault:"10"`

	// StuckItemTimeout is how old an in-progress item must be before the sweep
	// reconciles it against its job.
	StuckItemTimeout time.Duration `env:"BATCH_STUCK_ITEM_TIMEOUT" envDefault:"30m"`
}

// Sanitize applies guardrails to batch configuration values.
func (b *BatchConfig) Sanitize() {
	if b.Interval <= 0 {
		b.Interval = 10 * time.Second
	}
	if b.MaxPendingPerTick < 1 {
		b.MaxPendingPerTick = 1
	}
	if b.StuckItemTimeout < time.Minute {
		b.StuckItemTimeout = time.Minute
	}
}

// UpdateCheckConfig contains update detection worker configuration.
type UpdateCheckConfig struct {
	// Interval is how often the full detection scan runs.
	Interval time.Duration `env:"UPDATE_CHECK_INTERVAL" envDefault:"24h"`

	// RetentionAge is how long detections are kept before being purged.
	RetentionAge time.Duration `env:"UPDATE_CHECK_RETENTION_AGE" envDefault:"720h"`

	// MaxAutoUpdateFailures disables auto-update triggering for a policy after
	// this many consecutive failures.
	MaxAutoUpdateFailures int `env:"UPDATE_CHECK_MAX_AUTO_FAILURES" envDefault:"3"`
}

// Sanitize applies guardrails to update check configuration values.
func (u *UpdateCheckConfig) Sanitize() {
	if u.Interval < time.Minute {
		u.Interval = time.Minute
	}
	if u.RetentionAge < 24*time.Hour {
		u.RetentionAge = 24 * time.Hour
	}
	if u.MaxAutoUpdateFailures < 1 {
		u.MaxAutoUpdateFailures = 1
	}
}

// NotifierConfig contains notification dispatcher configuration.
type NotifierConfig struct {
	// Interval is the dispatcher tick interval.
	Interval time.Duration `env:"NOTIFIER_INTERVAL" envDefault:"1m"`

	// BatchLimit caps how many pending detections one tick processes.
	BatchLimit int `env:"NOTIFIER_BATCH_LIMIT" envDefault:"500"`

	// DeliveryTimeout bounds one outbound webhook request.
	DeliveryTimeout time.Duration `env:"NOTIFIER_DELIVERY_TIMEOUT" envDefault:"10s"`

	// RetryLimit caps how many due deliveries the retry runner picks up per tick.
	RetryLimit int `env:"NOTIFIER_RETRY_LIMIT" envDefault:"100"`
}

// Sanitize applies guardrails to notifier configuration values.
func (n *NotifierConfig) Sanitize() {
	if n.Interval <= 0 {
		n.Interval = time.Minute
	}
	if n.BatchLimit < 1 {
		n.BatchLimit = 1
	}
	if n.DeliveryTimeout <= 0 {
		n.DeliveryTimeout = 10 * time.Second
	}
	if n.RetryLimit < 1 {
		n.RetryLimit = 1
	}
}

// RetentionConfig contains retention reaper configuration.
type RetentionConfig struct {
	// Interval is how often the reaper runs.
	Interval time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`

	// JobMaxAge is how long terminal packaging jobs are kept.
	JobMaxAge time.Duration `env:"RETENTION_JOB_MAX_AGE" envDefault:"2160h"`

	// DeliveryMaxAge is how long terminal webhook deliveries are kept.
	DeliveryMaxAge time.Duration `env:"RETENTION_DELIVERY_MAX_AGE" envDefault:"720h"`

	// DetectionMaxAge is how long detected updates are kept.
	DetectionMaxAge time.Duration `env:"RETENTION_DETECTION_MAX_AGE" envDefault:"720h"`

	// BatchSize is the delete batch size per pass.
	BatchSize int `env:"RETENTION_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to retention configuration values.
func (r *RetentionConfig) Sanitize() {
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.JobMaxAge < 24*time.Hour {
		r.JobMaxAge = 24 * time.Hour
	}
	if r.DeliveryMaxAge < 24*time.Hour {
		r.DeliveryMaxAge = 24 * time.Hour
	}
	if r.DetectionMaxAge < 24*time.Hour {
		r.DetectionMaxAge = 24 * time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
}
