package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/winpackhq/winpack/config"
	"github.com/winpackhq/winpack/internal/core"
	obserrors "github.com/winpackhq/winpack/internal/observability/errors"
	"github.com/winpackhq/winpack/internal/observability/metrics"
	"github.com/winpackhq/winpack/internal/observability/statsd"
)

// RetentionServiceOptions groups dependencies for RetentionService.
type RetentionServiceOptions struct {
	Jobs       core.JobRepository          // Required: job persistence
	Webhooks   core.WebhookRepository      // Required: delivery persistence
	Detections core.UpdateResultRepository // Required: detection persistence
	Config     config.RetentionConfig      // Required: retention configuration
	Logger     *slog.Logger                // Optional: structured logger
	Metrics    statsd.Sink                 // Optional: metrics sink (StatsD-compatible)
}

// RetentionService provides data cleanup operations.
//
// This service manages:
// - Deleting terminal packaging jobs past the retention window.
// - Deleting terminal webhook deliveries past the retention window.
// - Deleting detected updates past the retention window.
type RetentionService struct {
	jobs       core.JobRepository
	webhooks   core.WebhookRepository
	detections core.UpdateResultRepository
	config     config.RetentionConfig
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewRetentionService constructs a new RetentionService.
func NewRetentionService(opts RetentionServiceOptions) (*RetentionService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Webhooks == nil {
		return nil, errors.New("WebhookRepository is required")
	}
	if opts.Detections == nil {
		return nil, errors.New("UpdateResultRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "retention_service")
		logger.Debug("RetentionService initialized",
			"interval", opts.Config.Interval,
			"job_max_age", opts.Config.JobMaxAge,
			"delivery_max_age", opts.Config.DeliveryMaxAge,
		)
	}

	return &RetentionService{
		jobs:       opts.Jobs,
		webhooks:   opts.Webhooks,
		detections: opts.Detections,
		config:     opts.Config,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// Run starts the retention loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *RetentionService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting retention service", "interval", s.config.Interval)
	}

	// Jitter prevents a thundering herd when multiple instances start together.
	s.waitWithJitter(ctx)
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.Cleanup(ctx); err != nil && !isContextErr(err) && s.logger != nil {
		s.logger.ErrorContext(ctx, "initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "retention service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && !isContextErr(err) && s.logger != nil {
				s.logger.ErrorContext(ctx, "cleanup failed", "error", err)
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *RetentionService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Skip jitter rather than failing startup.
		return
	}
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)

	select {
	case <-time.After(time.Duration(int64(jitterNanos))): // #nosec G115 - bounded by maxJitter which is int64
	case <-ctx.Done():
	}
}

type retentionStep struct {
	operation string
	fn        func(context.Context) (int64, error)
}

// Cleanup performs all retention operations once. Step failures are collected
// so a broken step never starves the others.
func (s *RetentionService) Cleanup(ctx context.Context) error {
	start := time.Now()

	steps := []retentionStep{
		{operation: "delete_terminal_jobs", fn: s.deleteTerminalJobs},
		{operation: "delete_terminal_deliveries", fn: s.deleteTerminalDeliveries},
		{operation: "purge_detections", fn: s.purgeDetections},
	}

	var errs []error
	var totalPurged int64
	for _, step := range steps {
		count, err := step.fn(ctx)
		totalPurged += count
		s.emitStepMetric(step.operation, count, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.operation, err))
			if isContextErr(err) {
				break
			}
		}
	}

	if s.metrics != nil {
		result := metrics.ResultSuccess
		if len(errs) > 0 {
			result = metrics.ResultError
		} else if totalPurged == 0 {
			result = metrics.ResultNoop
		}
		tags := map[string]string{"result": result}
		s.metrics.Count("retention.cleanup", 1, tags)
		s.metrics.Timing("retention.cleanup_duration", time.Since(start), metrics.CloneTags(tags))
		if len(errs) == 0 {
			s.metrics.Gauge("retention.last_success_epoch", float64(time.Now().Unix()), nil)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
	return nil
}

func (s *RetentionService) deleteTerminalJobs(ctx context.Context) (int64, error) {
	count, err := s.jobs.DeleteTerminalOlderThan(ctx, s.config.JobMaxAge, s.config.BatchSize)
	if err != nil {
		return count, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted terminal jobs",
			"count", count, "max_age", s.config.JobMaxAge)
	}
	return count, nil
}

func (s *RetentionService) deleteTerminalDeliveries(ctx context.Context) (int64, error) {
	count, err := s.webhooks.DeleteTerminalOlderThan(ctx, s.config.DeliveryMaxAge, s.config.BatchSize)
	if err != nil {
		return count, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted terminal webhook deliveries",
			"count", count, "max_age", s.config.DeliveryMaxAge)
	}
	return count, nil
}

func (s *RetentionService) purgeDetections(ctx context.Context) (int64, error) {
	count, err := s.detections.PurgeOlderThan(ctx, time.Now().Add(-s.config.DetectionMaxAge))
	if err != nil {
		return count, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "purged old detections",
			"count", count, "max_age", s.config.DetectionMaxAge)
	}
	return count, nil
}

func (s *RetentionService) emitStepMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("retention.cleanup_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("retention.rows_purged", count, metrics.CloneTags(tags))
	}
}
