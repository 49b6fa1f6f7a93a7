// Package quota guards outbound calls with a token bucket shared by every
// worker of a run.
//
// Allowance refills continuously at rate/window tokens per second up to
// rate. With a strict window the manager additionally never grants more than
// rate tokens inside any rolling window, which a bare bucket allows after a
// full refill.
package quota

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
)

// MaxWait bounds a single sleep of a blocking Consume
const MaxWait = time.Second

// Observer receives grant and throttle events, e.g. for metrics
type Observer interface {
	QuotaGranted(tokens int)
	QuotaThrottled()
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Rate          int     `json:"rate"`
	WindowSeconds float64 `json:"window_seconds"`
	Allowance     float64 `json:"allowance"`
	Consumed      int64   `json:"consumed"`
	Throttled     int64   `json:"throttled"`
}

// Manager is a thread-safe token bucket. All bookkeeping happens under one
// lock that is never held while sleeping.
type Manager struct {
	mu        sync.Mutex
	rate      int
	window    time.Duration
	bucket    *rate.Limiter
	strict    *rollingWindow // nil when strict window is disabled
	consumed  int64
	throttled int64

	timeNow  func() time.Time
	observer Observer
	logger   *zap.SugaredLogger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock injects the time source (for testing)
func WithClock(timeNow func() time.Time) Option {
	return func(m *Manager) { m.timeNow = timeNow }
}

// WithStrictWindow enables or disables the rolling-window ceiling
func WithStrictWindow(enabled bool) Option {
	return func(m *Manager) {
		if enabled {
			m.strict = newRollingWindow(m.window, m.rate)
		} else {
			m.strict = nil
		}
	}
}

// WithObserver registers an observer for grant/throttle events
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the component logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager granting rateTokens per window. The bucket starts full.
func New(rateTokens int, window time.Duration, opts ...Option) (*Manager, error) {
	if err := validate(rateTokens, window); err != nil {
		return nil, err
	}

	m := &Manager{
		rate:    rateTokens,
		window:  window,
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrNop(m.logger)
	m.bucket = rate.NewLimiter(refillRate(rateTokens, window), rateTokens)
	// Anchor the bucket on the injected clock
	m.bucket.SetBurstAt(m.timeNow(), rateTokens)
	return m, nil
}

func validate(rateTokens int, window time.Duration) error {
	if rateTokens < 1 {
		return errors.Wrapf(errors.ErrInvalidRequest, "quota rate must be >= 1, got %d", rateTokens)
	}
	if window <= 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "quota window must be > 0, got %s", window)
	}
	return nil
}

func refillRate(rateTokens int, window time.Duration) rate.Limit {
	return rate.Limit(float64(rateTokens) / window.Seconds())
}

// TryConsume grants tokens if the allowance covers them and returns false
// otherwise, counting the refusal as a throttle.
func (m *Manager) TryConsume(tokens int) bool {
	granted, _ := m.attempt(tokens)
	if !granted {
		m.mu.Lock()
		m.throttled++
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.QuotaThrottled()
		}
	}
	return granted
}

// Consume blocks until tokens are granted or ctx is done. Each sleep lasts at
// most MaxWait so rate changes and cancellation are observed promptly.
func (m *Manager) Consume(ctx context.Context, tokens int) error {
	m.mu.Lock()
	limit := m.rate
	m.mu.Unlock()
	if tokens < 1 || tokens > limit {
		return errors.Wrapf(errors.ErrInvalidRequest, "cannot consume %d tokens with rate %d", tokens, limit)
	}

	waited := false
	for {
		granted, wait := m.attempt(tokens)
		if granted {
			return nil
		}
		if !waited {
			waited = true
			m.mu.Lock()
			m.throttled++
			m.mu.Unlock()
			if m.observer != nil {
				m.observer.QuotaThrottled()
			}
		}

		if wait <= 0 || wait > MaxWait {
			wait = MaxWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "waiting for quota")
		case <-timer.C:
		}
	}
}

// attempt performs one check-and-deduct under the lock. When not granted it
// returns an estimate of how long until the request could succeed.
func (m *Manager) attempt(tokens int) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tokens < 1 || tokens > m.rate {
		return false, 0
	}

	now := m.timeNow()
	available := m.bucket.TokensAt(now)

	var wait time.Duration
	if available < float64(tokens) {
		deficit := float64(tokens) - available
		wait = time.Duration(deficit / float64(m.bucket.Limit()) * float64(time.Second))
	}
	if m.strict != nil && m.strict.room(now, m.rate) < tokens {
		if d := m.strict.nextExpiry(now); d > wait {
			wait = d
		}
		if wait == 0 {
			wait = time.Millisecond
		}
	}
	if wait > 0 {
		return false, wait
	}

	if !m.bucket.AllowN(now, tokens) {
		return false, time.Millisecond
	}
	if m.strict != nil {
		m.strict.record(now, tokens)
	}
	m.consumed += int64(tokens)
	if m.observer != nil {
		m.observer.QuotaGranted(tokens)
	}
	return true, 0
}

// SetRate changes rate and window in place. Accumulated allowance is kept
// and capped at the new rate.
func (m *Manager) SetRate(rateTokens int, window time.Duration) error {
	if err := validate(rateTokens, window); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rateTokens == m.rate && window == m.window {
		return nil
	}
	now := m.timeNow()
	m.bucket.SetLimitAt(now, refillRate(rateTokens, window))
	m.bucket.SetBurstAt(now, rateTokens)
	if m.strict != nil {
		m.strict.window = window
	}

	m.logger.Infow("Quota rate changed",
		"from", fmt.Sprintf("%d/%s", m.rate, m.window),
		"to", fmt.Sprintf("%d/%s", rateTokens, window))
	m.rate = rateTokens
	m.window = window
	return nil
}

// Stats returns current rate, allowance and counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowance := math.Min(m.bucket.TokensAt(m.timeNow()), float64(m.rate))
	if allowance < 0 {
		allowance = 0
	}
	return Stats{
		Rate:          m.rate,
		WindowSeconds: m.window.Seconds(),
		Allowance:     allowance,
		Consumed:      m.consumed,
		Throttled:     m.throttled,
	}
}

// Reset refills the bucket and clears the rolling window and counters
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bucket = rate.NewLimiter(refillRate(m.rate, m.window), m.rate)
	m.bucket.SetBurstAt(m.timeNow(), m.rate)
	if m.strict != nil {
		m.strict.reset()
	}
	m.consumed = 0
	m.throttled = 0
}
