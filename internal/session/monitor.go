package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMonitorInterval is the periodic check interval of a Monitor.
const DefaultMonitorInterval = time.Minute

// CheckFunc validates the monitored session.
type CheckFunc func(ctx context.Context) Validation

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Interval time.Duration
	Check    CheckFunc
	// OnInvalid is called once per failed check.
	OnInvalid func(Validation)
	Logger    *slog.Logger
}

// Monitor runs a session check periodically and on demand. At most one
// check is in flight; ticks arriving while one runs are skipped.
type Monitor struct {
	interval  time.Duration
	check     CheckFunc
	onInvalid func(Validation)
	logger    *slog.Logger

	trigger  chan struct{}
	inFlight atomic.Bool
	checks   atomic.Int64
	skipped  atomic.Int64
	wg       sync.WaitGroup
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		interval:  cfg.Interval,
		check:     cfg.Check,
		onInvalid: cfg.OnInvalid,
		logger:    cfg.Logger,
		trigger:   make(chan struct{}, 1),
	}
}

// Run checks on every tick and trigger until ctx is done. It waits for an
// in-flight check before returning ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.dispatch(ctx)
		case <-m.trigger:
			m.dispatch(ctx)
		}
	}
}

// Trigger requests an immediate check, e.g. when the client regains focus.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Checks returns the number of checks started.
func (m *Monitor) Checks() int64 { return m.checks.Load() }

// Skipped returns the number of ticks dropped because a check was in flight.
func (m *Monitor) Skipped() int64 { return m.skipped.Load() }

func (m *Monitor) dispatch(ctx context.Context) {
	if m.check == nil {
		return
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		return
	}
	m.checks.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Store(false)
		result := m.check(ctx)
		if result.Valid || ctx.Err() != nil {
			return
		}
		m.logger.Info("session check failed", slog.Any("issues", result.Issues))
		if m.onInvalid != nil {
			m.onInvalid(result)
		}
	}()
}
