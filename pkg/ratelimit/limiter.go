// Package ratelimit tracks provider request budget across two fixed windows,
// a short window (15 minutes) and a daily window, the way Strava-style APIs
// meter usage. Local counting is an optimistic approximation between calls;
// response headers carry the provider's authoritative numbers and reconcile
// the counters on every response.
package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate-limit headers in the "short,daily" comma-separated form.
const (
	HeaderLimit = "X-RateLimit-Limit"
	HeaderUsage = "X-RateLimit-Usage"
)

const (
	shortWindow = 15 * time.Minute
	dailyWindow = 24 * time.Hour
)

type window struct {
	limit   int
	used    int
	resetAt time.Time
}

// Budget is the outcome of a budget check. When Allowed is false, RetryAfter
// is how long until the exhausted window rolls over.
type Budget struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter meters one endpoint family. Safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	short  window
	daily  window
	now    func() time.Time
	logger *slog.Logger
}

// New creates a limiter with the given window limits. Zero or negative limits
// disable the corresponding window.
func New(shortLimit, dailyLimit int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}
	now := l.now()
	l.short = window{limit: shortLimit, resetAt: nextBoundary(now, shortWindow)}
	l.daily = window{limit: dailyLimit, resetAt: nextBoundary(now, dailyWindow)}
	return l
}

// nextBoundary returns the next UTC-aligned window rollover after t. Short
// windows roll at :00/:15/:30/:45, daily windows at midnight UTC, matching
// how the provider resets its counters.
func nextBoundary(t time.Time, size time.Duration) time.Time {
	return t.UTC().Truncate(size).Add(size)
}

// CheckBudget reports whether another provider call fits in both windows.
// Counters roll over lazily when a window boundary has passed.
func (l *Limiter) CheckBudget() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollover(now)

	retry := time.Duration(0)
	if exhausted(l.short) {
		retry = l.short.resetAt.Sub(now)
	}
	if exhausted(l.daily) {
		if d := l.daily.resetAt.Sub(now); d > retry {
			retry = d
		}
	}

	if retry > 0 {
		return Budget{Allowed: false, RetryAfter: retry}
	}
	return Budget{Allowed: true}
}

func exhausted(w window) bool {
	return w.limit > 0 && w.used >= w.limit
}

// Record counts one outgoing request against both windows.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(l.now())
	l.short.used++
	l.daily.used++
}

// Reconcile overwrites local counters with the provider's authoritative
// values from response headers. Absent or malformed headers leave the local
// approximation untouched.
func (l *Limiter) Reconcile(h http.Header) {
	limits, okL := parsePair(h.Get(HeaderLimit))
	usage, okU := parsePair(h.Get(HeaderUsage))
	if !okL && !okU {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(l.now())

	if okL {
		l.short.limit, l.daily.limit = limits[0], limits[1]
	}
	if okU {
		l.short.used, l.daily.used = usage[0], usage[1]
	}

	l.logger.Debug("Rate limits reconciled from provider headers",
		"short_used", l.short.used, "short_limit", l.short.limit,
		"daily_used", l.daily.used, "daily_limit", l.daily.limit)
}

// Snapshot returns current usage for diagnostics.
func (l *Limiter) Snapshot() (shortUsed, shortLimit, dailyUsed, dailyLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(l.now())
	return l.short.used, l.short.limit, l.daily.used, l.daily.limit
}

func (l *Limiter) rollover(now time.Time) {
	if !now.Before(l.short.resetAt) {
		l.short.used = 0
		l.short.resetAt = nextBoundary(now, shortWindow)
	}
	if !now.Before(l.daily.resetAt) {
		l.daily.used = 0
		l.daily.resetAt = nextBoundary(now, dailyWindow)
	}
}

// parsePair parses "100,1000" into its two non-negative integers.
func parsePair(raw string) ([2]int, bool) {
	var out [2]int
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return out, false
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > math.MaxInt32 {
			return out, false
		}
		out[i] = v
	}
	return out, true
}
