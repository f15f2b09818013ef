package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-hr/internal/jobs"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/internal/tenant"
)

type auditStub struct {
	logs []shared.AuditLog
	err  error
}

func (s *auditStub) Record(ctx context.Context, log shared.AuditLog) error {
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, log)
	return nil
}

type purgerStub struct {
	retention time.Duration
	deleted   int64
	err       error
}

func (p *purgerStub) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	p.retention = retention
	return p.deleted, p.err
}

type enqueueStub struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueueStub) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (e *enqueueStub) Close() error { return nil }

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func sampleAttempt() tenant.CrossOrgAttempt {
	return tenant.CrossOrgAttempt{
		UserID:      "u-1",
		OrgID:       "org-1",
		TargetOrgID: "org-2",
		Operation:   "employees.list",
		RequestID:   "req-9",
		At:          time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestCrossOrgAuditWritesAuditLog(t *testing.T) {
	audit := &auditStub{}
	job := NewCrossOrgAuditJob(audit, nil, testMetrics())
	task, err := NewCrossOrgAuditTask(sampleAttempt())
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, audit.logs, 1)
	entry := audit.logs[0]
	assert.Equal(t, "u-1", entry.ActorID)
	assert.Equal(t, "org-1", entry.OrgID)
	assert.Equal(t, "security.cross_org_access", entry.Action)
	assert.Equal(t, "organization", entry.Entity)
	assert.Equal(t, "org-2", entry.EntityID)
	assert.Equal(t, "employees.list", entry.Meta["operation"])
	assert.Equal(t, "req-9", entry.Meta["request_id"])
	assert.True(t, entry.At.Equal(sampleAttempt().At))
}

func TestCrossOrgAuditSkipsBadPayloads(t *testing.T) {
	job := NewCrossOrgAuditJob(&auditStub{}, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskCrossOrgAudit, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	incomplete, _ := json.Marshal(tenant.CrossOrgAttempt{UserID: "u-1"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskCrossOrgAudit, incomplete))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCrossOrgAuditRetriesOnWriteFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewCrossOrgAuditJob(&auditStub{err: boom}, nil, testMetrics())
	task, err := NewCrossOrgAuditTask(sampleAttempt())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestRetentionUsesPayloadWindow(t *testing.T) {
	purger := &purgerStub{deleted: 42}
	job := NewRetentionJob(purger, 0, nil, testMetrics())
	task, err := NewSecurityRetentionTask(30 * 24 * time.Hour)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 30*24*time.Hour, purger.retention)
}

func TestRetentionFallsBackToConfiguredWindow(t *testing.T) {
	purger := &purgerStub{}
	job := NewRetentionJob(purger, 7*24*time.Hour, nil, testMetrics())

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSecurityRetention, nil)))
	assert.Equal(t, 7*24*time.Hour, purger.retention)

	job = NewRetentionJob(purger, 0, nil, testMetrics())
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSecurityRetention, nil)))
	assert.Equal(t, DefaultSecurityRetention, purger.retention)
}

func TestRetentionPropagatesPurgeError(t *testing.T) {
	boom := errors.New("timeout")
	job := NewRetentionJob(&purgerStub{err: boom}, 0, nil, testMetrics())
	err := job.Handle(context.Background(), asynq.NewTask(TaskSecurityRetention, nil))
	assert.ErrorIs(t, err, boom)
}

func TestClientEnqueueCrossOrgAudit(t *testing.T) {
	stub := &enqueueStub{}
	client := &Client{client: stub}

	require.NoError(t, client.EnqueueCrossOrgAudit(context.Background(), sampleAttempt()))
	require.Len(t, stub.tasks, 1)
	assert.Equal(t, TaskCrossOrgAudit, stub.tasks[0].Type())

	var decoded tenant.CrossOrgAttempt
	require.NoError(t, json.Unmarshal(stub.tasks[0].Payload(), &decoded))
	assert.Equal(t, "org-2", decoded.TargetOrgID)

	stub.err = errors.New("redis unavailable")
	assert.Error(t, client.EnqueueCrossOrgAudit(context.Background(), sampleAttempt()))
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"security","pending":0}`, rr.Body.String())
}

var _ tenant.AuditEnqueuer = (*Client)(nil)
