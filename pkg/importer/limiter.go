package importer

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// LimiterConfig tunes the rate limiter. Zero values take Strava defaults.
type LimiterConfig struct {
	WindowSize  time.Duration
	WindowLimit int
	DailyLimit  int

	// BackoffBase and BackoffCap bound the exponential backoff applied
	// after a throttled call without a Retry-After hint.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// SleepIncrement bounds individual waits inside Acquire so a
	// cancellation takes effect within one increment.
	SleepIncrement time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = shared.RateWindowSize
	}
	if c.WindowLimit <= 0 {
		c.WindowLimit = shared.DefaultWindowLimit
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = shared.DefaultDailyLimit
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.SleepIncrement <= 0 {
		c.SleepIncrement = 5 * time.Second
	}
	return c
}

// RateLimiter owns the shared permit budget for uploads and status checks.
// Both call types draw from the same two overlapping windows: a short
// rolling window and a daily window.
type RateLimiter struct {
	cfg    LimiterConfig
	logger *slog.Logger

	mu           sync.Mutex
	window       []time.Time // grant timestamps inside the rolling window, oldest first
	dailyCount   int
	dailyStart   time.Time
	backoffLevel int
	notBefore    time.Time // earliest next permit; server hints land here

	now func() time.Time
}

func NewRateLimiter(cfg LimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RateLimiter{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "limiter"),
		now:    time.Now,
	}
	l.dailyStart = l.now()
	return l
}

// Acquire blocks until a permit is available in both windows, then
// reserves it. Waits happen in bounded increments so ctx cancellation
// unwinds within one increment.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		wait := l.tryAcquire()
		if wait <= 0 {
			return nil
		}
		if wait > l.cfg.SleepIncrement {
			wait = l.cfg.SleepIncrement
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire reserves a permit when one is available now, or returns how
// long until the next re-check is worthwhile.
func (l *RateLimiter) tryAcquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if now.Sub(l.dailyStart) >= 24*time.Hour {
		l.dailyCount = 0
		l.dailyStart = now
	}
	l.pruneLocked(now)

	if now.Before(l.notBefore) {
		return l.notBefore.Sub(now)
	}
	if l.dailyCount >= l.cfg.DailyLimit {
		wait := l.dailyStart.Add(24 * time.Hour).Sub(now)
		l.logger.Warn("Daily limit reached, waiting for window reset", "limit", l.cfg.DailyLimit, "wait", wait)
		return wait
	}
	if len(l.window) >= l.cfg.WindowLimit {
		return l.window[0].Add(l.cfg.WindowSize).Sub(now)
	}

	l.window = append(l.window, now)
	l.dailyCount++
	return 0
}

// pruneLocked drops grants that have aged out of the rolling window.
func (l *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.WindowSize)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// ReportThrottled tells the limiter the last call was rejected for
// exceeding limits. A server Retry-After hint overrides computed
// availability; without one, exponential backoff with jitter applies.
func (l *RateLimiter) ReportThrottled(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if retryAfter > 0 {
		next := now.Add(retryAfter)
		if next.After(l.notBefore) {
			l.notBefore = next
		}
		l.logger.Warn("Throttled with server hint", "retry_after", retryAfter)
		return
	}

	delay := l.cfg.BackoffBase << l.backoffLevel
	if delay <= 0 || delay > l.cfg.BackoffCap {
		delay = l.cfg.BackoffCap
	}
	total := delay + time.Duration(rand.Int63n(int64(delay/4)+1))
	if total > l.cfg.BackoffCap {
		total = l.cfg.BackoffCap
	}
	l.backoffLevel++

	next := now.Add(total)
	if next.After(l.notBefore) {
		l.notBefore = next
	}
	l.logger.Warn("Throttled without hint, backing off", "level", l.backoffLevel, "delay", total)
}

// ReportSuccess resets the backoff level after a non-throttled call.
func (l *RateLimiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoffLevel = 0
}

// UpdateFromHeaders absorbs Strava's rate-limit response headers so the
// budget tracks the server's view, including calls made by other clients
// of the same application.
func (l *RateLimiter) UpdateFromHeaders(h http.Header) {
	shortLimit, dailyLimit, okLimit := parsePair(h.Get("X-Ratelimit-Limit"))
	shortUsage, dailyUsage, okUsage := parsePair(h.Get("X-Ratelimit-Usage"))
	if !okLimit && !okUsage {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if okLimit {
		if shortLimit > 0 {
			l.cfg.WindowLimit = shortLimit
		}
		if dailyLimit > 0 {
			l.cfg.DailyLimit = dailyLimit
		}
	}

	if okUsage {
		now := l.now()
		l.pruneLocked(now)
		// Pad the window up to the server's short-term count.
		for len(l.window) < shortUsage {
			l.window = append(l.window, now)
		}
		if dailyUsage > l.dailyCount {
			l.dailyCount = dailyUsage
		}
	}
}

// nextPermitIn reports how long until a permit could be granted, without
// reserving one.
func (l *RateLimiter) nextPermitIn() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.notBefore) {
		return l.notBefore.Sub(now)
	}
	l.pruneLocked(now)
	if len(l.window) >= l.cfg.WindowLimit {
		return l.window[0].Add(l.cfg.WindowSize).Sub(now)
	}
	return 0
}

// parsePair parses Strava's "short,daily" header format.
func parsePair(v string) (short, daily int, ok bool) {
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	short, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	daily, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return short, daily, true
}
