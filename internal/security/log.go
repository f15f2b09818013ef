package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Observer receives a notification per recorded event; used for metrics.
type Observer interface {
	ObserveSecurityEvent(eventType string, success bool)
}

// Options tunes a Log.
type Options struct {
	// Buffer is the queue length for asynchronous delivery. Zero selects the default.
	Buffer int
	// Sync delivers inline on the caller's goroutine. Errors are still swallowed.
	Sync bool
	// WriteTimeout bounds each sink append.
	WriteTimeout time.Duration
	Observer     Observer
}

// Log fans events out to sinks. It implements Recorder.
type Log struct {
	sinks    []Sink
	logger   *slog.Logger
	opts     Options
	queue    chan queuedEvent
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// NewLog constructs a Log and starts its delivery goroutine unless opts.Sync is set.
func NewLog(logger *slog.Logger, opts Options, sinks ...Sink) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	l := &Log{sinks: sinks, logger: logger, opts: opts}
	if !opts.Sync {
		l.queue = make(chan queuedEvent, opts.Buffer)
		l.wg.Add(1)
		go l.run()
	}
	return l
}

// Record enqueues event. It never blocks on a sink and never fails; a full
// queue drops the event with a local warning.
func (l *Log) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveSecurityEvent(string(event.Type), event.Success)
	}
	// Detach from request cancellation so the write outlives the handler.
	ctx = context.WithoutCancel(ctx)

	if l.opts.Sync {
		l.deliver(ctx, event)
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("security log closed, dropping event", slog.String("type", string(event.Type)))
		return
	}
	select {
	case l.queue <- queuedEvent{ctx: ctx, event: event}:
	default:
		l.logger.Warn("security log queue full, dropping event", slog.String("type", string(event.Type)))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (l *Log) Close() error {
	if l == nil || l.opts.Sync {
		return nil
	}
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	l.wg.Wait()
	return nil
}

func (l *Log) run() {
	defer l.wg.Done()
	for item := range l.queue {
		l.deliver(item.ctx, item.event)
	}
}

func (l *Log) deliver(ctx context.Context, event Event) {
	for _, sink := range l.sinks {
		if err := l.appendSafe(ctx, sink, event); err != nil {
			l.logger.Warn("security log append", slog.String("type", string(event.Type)), slog.Any("error", err))
		}
	}
}

func (l *Log) appendSafe(ctx context.Context, sink Sink, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("security: sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, l.opts.WriteTimeout)
	defer cancel()
	return sink.Append(ctx, event)
}

var _ Recorder = (*Log)(nil)
