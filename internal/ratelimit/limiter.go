// Package ratelimit throttles sensitive operations with exponential backoff.
// State is persisted in a cache.Store so limits survive restarts.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

const (
	stateKeyPrefix    = "ratelimit:"
	cooldownKeyPrefix = "cooldown:"
	// maxBackoffShift bounds the exponent so the wait cannot overflow.
	maxBackoffShift = 24
)

// Decision is the outcome of a single IsAllowed evaluation.
type Decision struct {
	Allowed      bool
	Wait         time.Duration
	BackoffLevel int
}

// Err returns a *shared.RateLimitError for a denied decision, nil otherwise.
func (d Decision) Err(key string) error {
	if d.Allowed {
		return nil
	}
	return &shared.RateLimitError{Key: key, Wait: d.Wait}
}

// Observer receives every decision; used for metrics.
type Observer interface {
	ObserveRateLimit(allowed bool)
}

// Config tunes the limiter.
type Config struct {
	BaseWait time.Duration
	Now      func() time.Time
	Observer Observer
}

// Limiter tracks attempts per key. Locking is per key.
type Limiter struct {
	store    cache.Store
	baseWait time.Duration
	now      func() time.Time
	observer Observer
	logger   *slog.Logger
	locks    keyedMutex
}

type state struct {
	Attempts []int64 `json:"attempts"`
	Backoff  int     `json:"backoff"`
}

// New constructs a Limiter backed by store.
func New(store cache.Store, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:    store,
		baseWait: cfg.BaseWait,
		now:      cfg.Now,
		observer: cfg.Observer,
		logger:   logger,
		locks:    keyedMutex{locks: make(map[string]*keyLock)},
	}
}

// IsAllowed evaluates and, when allowed, records an attempt for key.
// Attempts older than window are pruned first. Once maxAttempts remain in the
// window, the caller must wait baseWait*2^backoff since the last attempt.
// The backoff level grows in every allowed call that reaches the limit. Reset
// clears it, and so does a key left idle past window plus its pending wait.
func (l *Limiter) IsAllowed(ctx context.Context, key string, maxAttempts int, window time.Duration) Decision {
	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.now()
	nowMs := now.UnixMilli()
	st := l.load(ctx, key)

	cutoff := nowMs - window.Milliseconds()
	kept := st.Attempts[:0]
	for _, at := range st.Attempts {
		if at > cutoff {
			kept = append(kept, at)
		}
	}
	st.Attempts = kept

	if maxAttempts > 0 && len(st.Attempts) >= maxAttempts {
		last := st.Attempts[len(st.Attempts)-1]
		elapsed := time.Duration(nowMs-last) * time.Millisecond
		wait := l.backoffWait(st.Backoff) - elapsed
		if wait > 0 {
			l.save(ctx, key, st, window)
			return l.observe(Decision{Allowed: false, Wait: wait, BackoffLevel: st.Backoff})
		}
	}

	st.Attempts = append(st.Attempts, nowMs)
	if maxAttempts > 0 && len(st.Attempts) >= maxAttempts {
		st.Backoff++
	}
	l.save(ctx, key, st, window)
	return l.observe(Decision{Allowed: true, BackoffLevel: st.Backoff})
}

// Reset clears all attempt and backoff state for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	unlock := l.locks.Lock(key)
	defer unlock()
	return l.store.Delete(ctx, stateKeyPrefix+key)
}

// SetCooldown starts a countdown for identity with second granularity. It is
// independent of attempt state and expires on its own.
func (l *Limiter) SetCooldown(ctx context.Context, identity string, d time.Duration) error {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds <= 0 {
		return l.store.Delete(ctx, cooldownKeyPrefix+identity)
	}
	until := l.now().Unix() + seconds
	return l.store.Set(ctx, cooldownKeyPrefix+identity, []byte(strconv.FormatInt(until, 10)), time.Duration(seconds)*time.Second)
}

// Cooldown returns the remaining cooldown for identity, zero once elapsed.
func (l *Limiter) Cooldown(ctx context.Context, identity string) time.Duration {
	data, err := l.store.Get(ctx, cooldownKeyPrefix+identity)
	if err != nil || data == nil {
		return 0
	}
	until, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	remaining := until - l.now().Unix()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Second
}

func (l *Limiter) backoffWait(level int) time.Duration {
	if level > maxBackoffShift {
		level = maxBackoffShift
	}
	if level < 0 {
		level = 0
	}
	return l.baseWait * time.Duration(int64(1)<<level)
}

// load never fails: unreadable state counts as no prior state.
func (l *Limiter) load(ctx context.Context, key string) state {
	data, err := l.store.Get(ctx, stateKeyPrefix+key)
	if err != nil {
		l.logger.Warn("ratelimit load state", slog.String("key", key), slog.Any("error", err))
		return state{}
	}
	if data == nil {
		return state{}
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		l.logger.Warn("ratelimit decode state", slog.String("key", key), slog.Any("error", err))
		return state{}
	}
	if st.Backoff < 0 {
		st.Backoff = 0
	}
	return st
}

// save keeps state until the last attempt has left the window and any
// pending backoff wait has passed. Idle keys then expire.
func (l *Limiter) save(ctx context.Context, key string, st state, window time.Duration) {
	data, err := json.Marshal(st)
	if err != nil {
		l.logger.Warn("ratelimit encode state", slog.String("key", key), slog.Any("error", err))
		return
	}
	ttl := window + l.backoffWait(st.Backoff)
	if ttl <= 0 {
		ttl = l.backoffWait(st.Backoff)
	}
	if err := l.store.Set(ctx, stateKeyPrefix+key, data, ttl); err != nil {
		l.logger.Warn("ratelimit save state", slog.String("key", key), slog.Any("error", err))
	}
}

func (l *Limiter) observe(d Decision) Decision {
	if l.observer != nil {
		l.observer.ObserveRateLimit(d.Allowed)
	}
	return d
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
