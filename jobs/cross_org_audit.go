package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/internal/tenant"
)

// AuditWriter persists audit_logs rows. shared.AuditLogger satisfies it.
type AuditWriter interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CrossOrgAuditJob writes blocked cross-organization attempts to the audit trail.
type CrossOrgAuditJob struct {
	Audit   AuditWriter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCrossOrgAuditJob initialises the audit handler.
func NewCrossOrgAuditJob(audit AuditWriter, logger *slog.Logger, metrics *jobmetrics.Metrics) *CrossOrgAuditJob {
	return &CrossOrgAuditJob{Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle executes one audit write.
func (j *CrossOrgAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Audit == nil {
		return errors.New("cross-org audit: handler not configured")
	}
	var attempt tenant.CrossOrgAttempt
	if err := json.Unmarshal(t.Payload(), &attempt); err != nil {
		return asynq.SkipRetry
	}
	logger := j.logger().With(
		slog.String("user_id", attempt.UserID),
		slog.String("target_org_id", attempt.TargetOrgID),
		slog.String("operation", attempt.Operation),
	)
	if attempt.UserID == "" || attempt.TargetOrgID == "" {
		logger.Warn("cross-org audit payload incomplete")
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCrossOrgAudit)
	err := j.Audit.Record(ctx, shared.AuditLog{
		ActorID:  attempt.UserID,
		OrgID:    attempt.OrgID,
		Action:   "security.cross_org_access",
		Entity:   "organization",
		EntityID: attempt.TargetOrgID,
		Meta: map[string]any{
			"operation":  attempt.Operation,
			"request_id": attempt.RequestID,
		},
		At: attempt.At,
	})
	if err != nil {
		logger.Error("write cross-org audit", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddAudited(attempt.Operation)
	logger.Info("cross-org attempt audited")
	return tracker.End(nil)
}

func (j *CrossOrgAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCrossOrgAudit))
	}
	return slog.Default().With(slog.String("job", TaskCrossOrgAudit))
}

func (j *CrossOrgAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
