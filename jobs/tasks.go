package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
	"github.com/odyssey-erp/odyssey-hr/internal/tenant"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueSecurity carries audit writes that must not wait behind bulk work.
	QueueSecurity = "security"
	// TaskCrossOrgAudit persists a blocked cross-organization attempt.
	TaskCrossOrgAudit = "security:cross_org_audit"
	// TaskSecurityRetention purges expired security events.
	TaskSecurityRetention = "security:retention"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RetentionPayload carries the retention window for a purge run.
type RetentionPayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewCrossOrgAuditTask constructs the audit task for attempt.
func NewCrossOrgAuditTask(attempt tenant.CrossOrgAttempt) (*asynq.Task, error) {
	data, err := json.Marshal(attempt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCrossOrgAudit, data, asynq.Queue(QueueSecurity), asynq.MaxRetry(10)), nil
}

// NewSecurityRetentionTask constructs the purge task. Non-positive retention
// falls back to the handler default.
func NewSecurityRetentionTask(retention time.Duration) (*asynq.Task, error) {
	days := int(retention / (24 * time.Hour))
	data, err := json.Marshal(RetentionPayload{RetentionDays: days})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSecurityRetention, data, asynq.Queue(QueueDefault)), nil
}
