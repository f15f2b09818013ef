package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type failingSink struct{}

func (failingSink) Append(ctx context.Context, e Event) error { return errors.New("db down") }

type panickingSink struct{}

func (panickingSink) Append(ctx context.Context, e Event) error { panic("boom") }

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Append(ctx context.Context, e Event) error {
	<-s.release
	return nil
}

func TestLogDeliversQueuedEventsOnClose(t *testing.T) {
	sink := &memorySink{}
	log := NewLog(nil, Options{}, sink)
	for i := 0; i < 10; i++ {
		log.Record(context.Background(), NewEvent(context.Background(), EventGuardedOperation, true, nil))
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.Len() != 10 {
		t.Fatalf("expected 10 events, got %d", sink.Len())
	}
	// Recording after close must not panic.
	log.Record(context.Background(), NewEvent(context.Background(), EventLogout, true, nil))
}

func TestLogSwallowsSinkFailures(t *testing.T) {
	sink := &memorySink{}
	log := NewLog(nil, Options{Sync: true}, failingSink{}, panickingSink{}, sink)
	log.Record(context.Background(), NewEvent(context.Background(), EventLoginFailure, false, map[string]any{"email": "a@b.c"}))
	if sink.Len() != 1 {
		t.Fatalf("expected healthy sink to receive event, got %d", sink.Len())
	}
}

func TestLogRecordDoesNotBlockWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	log := NewLog(nil, Options{Buffer: 1}, blockingSink{release: release})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			log.Record(context.Background(), NewEvent(context.Background(), EventGuardedOperation, true, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("record blocked on a slow sink")
	}
	close(release)
	_ = log.Close()
}

func TestNewEventCapturesRequestMeta(t *testing.T) {
	ctx := shared.ContextWithRequestMeta(context.Background(), shared.RequestMeta{
		RequestID: "req-1",
		URL:       "/roles/assignments",
		Referrer:  "https://hr.example.com/team",
		UserAgent: "Mozilla/5.0",
	})
	e := NewEvent(ctx, EventGuardedOperation, true, nil)
	if e.RequestID != "req-1" || e.URL != "/roles/assignments" || e.Referrer == "" || e.UserAgent == "" {
		t.Fatalf("ambient context missing: %+v", e)
	}
	if e.ID == "" || e.At.IsZero() || e.Details == nil {
		t.Fatalf("expected id, timestamp and details map: %+v", e)
	}
}

type execRecorder struct {
	sql  string
	args []any
	tag  pgconn.CommandTag
}

func (r *execRecorder) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return r.tag, nil
}

func (r *execRecorder) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (r *execRecorder) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestPGSinkAppendEncodesDetails(t *testing.T) {
	rec := &execRecorder{}
	sink := NewPGSink(rec)
	e := NewEvent(context.Background(), EventCrossOrgAccessAttempt, false, map[string]any{"target_org": "org-2"})
	e.UserID = "u-1"
	e.OrgID = "org-1"
	if err := sink.Append(context.Background(), e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(rec.args) != 12 {
		t.Fatalf("expected 12 args, got %d", len(rec.args))
	}
	if rec.args[1] != "cross_org_access_attempt" || rec.args[2] != false {
		t.Fatalf("unexpected type/success args: %v %v", rec.args[1], rec.args[2])
	}
	if string(rec.args[3].([]byte)) != `{"target_org":"org-2"}` {
		t.Fatalf("unexpected details: %s", rec.args[3])
	}
}

func TestPGSinkPurgeReturnsRowsAffected(t *testing.T) {
	rec := &execRecorder{tag: pgconn.NewCommandTag("DELETE 7")}
	n, err := NewPGSink(rec).Purge(context.Background(), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 rows, got %d", n)
	}
}
