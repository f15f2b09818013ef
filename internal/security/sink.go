package security

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
)

// PGSink appends events to the security_events table.
type PGSink struct {
	db db.Querier
}

// NewPGSink constructs a PostgreSQL sink.
func NewPGSink(q db.Querier) *PGSink {
	return &PGSink{db: q}
}

// Append inserts event.
func (s *PGSink) Append(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return errors.New("security: pg sink not configured")
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO security_events
(id, event_type, success, details, user_id, organization_id, request_id, url, referrer, user_agent, remote_ip, occurred_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12)`,
		event.ID, string(event.Type), event.Success, details, event.UserID, event.OrgID,
		event.RequestID, event.URL, event.Referrer, event.UserAgent, event.RemoteIP, event.At)
	return err
}

// Purge removes events older than retention and returns the deleted count.
func (s *PGSink) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("security: pg sink not configured")
	}
	cutoff := time.Now().Add(-retention)
	tag, err := s.db.Exec(ctx, `DELETE FROM security_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SlogSink writes events as structured log lines.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink constructs a SlogSink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Append logs event at info level, or warn for failures.
func (s *SlogSink) Append(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "security event",
		slog.String("id", event.ID),
		slog.String("type", string(event.Type)),
		slog.Bool("success", event.Success),
		slog.String("user", event.UserID),
		slog.String("org", event.OrgID),
		slog.String("request_id", event.RequestID),
		slog.Any("details", event.Details),
	)
	return nil
}

var (
	_ Sink = (*PGSink)(nil)
	_ Sink = (*SlogSink)(nil)
)
