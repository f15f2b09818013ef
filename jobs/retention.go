package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
)

// DefaultSecurityRetention keeps security events for 90 days.
const DefaultSecurityRetention = 90 * 24 * time.Hour

// Purger deletes security events older than a retention window.
type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionJob trims the security_events table.
type RetentionJob struct {
	Purger    Purger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewRetentionJob initialises the retention handler. retention is used when
// the task payload does not carry one.
func NewRetentionJob(purger Purger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionJob {
	if retention <= 0 {
		retention = DefaultSecurityRetention
	}
	return &RetentionJob{Purger: purger, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle executes one purge run.
func (j *RetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Purger == nil {
		return errors.New("security retention: handler not configured")
	}
	var payload RetentionPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := j.Retention
	if payload.RetentionDays > 0 {
		retention = time.Duration(payload.RetentionDays) * 24 * time.Hour
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskSecurityRetention)
	logger := j.logger().With(slog.Duration("retention", retention))
	deleted, err := j.Purger.Purge(ctx, retention)
	if err != nil {
		logger.Error("purge security events", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddPurged(deleted)
	logger.Info("security events purged",
		slog.Int64("deleted", deleted),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(nil)
}

func (j *RetentionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSecurityRetention))
	}
	return slog.Default().With(slog.String("job", TaskSecurityRetention))
}

func (j *RetentionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
