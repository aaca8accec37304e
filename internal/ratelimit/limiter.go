package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EndpointClass groups broker endpoints that share a limit budget.
type EndpointClass string

const (
	ClassOrder      EndpointClass = "order"
	ClassQuote      EndpointClass = "quote"
	ClassHistorical EndpointClass = "historical"
	ClassStream     EndpointClass = "stream"
)

// ClassLimit configures one endpoint class.
type ClassLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
	DailyCap  int     `yaml:"daily_cap"` // 0 means uncapped
}

// DefaultLimits mirrors the broker's published per-account limits.
var DefaultLimits = map[EndpointClass]ClassLimit{
	ClassOrder:      {PerSecond: 10, Burst: 10, DailyCap: 3000},
	ClassQuote:      {PerSecond: 1, Burst: 2, DailyCap: 0},
	ClassHistorical: {PerSecond: 3, Burst: 3, DailyCap: 0},
	ClassStream:     {PerSecond: 1, Burst: 3, DailyCap: 0},
}

// Decision is the outcome of a limit check. The limiter never blocks:
// callers either proceed or come back after RetryAfter.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

type bucketKey struct {
	account string
	class   EndpointClass
}

type bucket struct {
	limiter *rate.Limiter
	daily   *slidingWindow
}

// Limiter enforces per-(account, endpoint class) token buckets plus a
// 24-hour sliding-window cap. In-process and advisory; the broker remains
// the authority on limits.
type Limiter struct {
	mu      sync.Mutex
	limits  map[EndpointClass]ClassLimit
	buckets map[bucketKey]*bucket
	now     func() time.Time
}

// New builds a limiter. A nil limits map uses DefaultLimits.
func New(limits map[EndpointClass]ClassLimit) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{
		limits:  limits,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// TryAcquire consumes one slot for the account and class, or reports when
// to retry.
func (l *Limiter) TryAcquire(accountID string, class EndpointClass) Decision {
	l.mu.Lock()
	b := l.bucketFor(accountID, class)
	now := l.now()
	l.mu.Unlock()

	if b.daily != nil {
		if wait := b.daily.wait(now); wait > 0 {
			return Decision{OK: false, RetryAfter: wait}
		}
	}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{OK: false, RetryAfter: time.Second}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{OK: false, RetryAfter: delay}
	}

	if b.daily != nil {
		b.daily.record(now)
	}
	return Decision{OK: true}
}

// Usage returns the daily-window consumption for the account and class.
func (l *Limiter) Usage(accountID string, class EndpointClass) int {
	l.mu.Lock()
	b := l.bucketFor(accountID, class)
	now := l.now()
	l.mu.Unlock()

	if b.daily == nil {
		return 0
	}
	return b.daily.count(now)
}

func (l *Limiter) bucketFor(accountID string, class EndpointClass) *bucket {
	key := bucketKey{account: accountID, class: class}
	b, ok := l.buckets[key]
	if !ok {
		limit, exists := l.limits[class]
		if !exists {
			limit = ClassLimit{PerSecond: 1, Burst: 1}
		}
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst),
		}
		if limit.DailyCap > 0 {
			b.daily = newSlidingWindow(limit.DailyCap, 24*time.Hour)
		}
		l.buckets[key] = b
	}
	return b
}

// slidingWindow counts events inside a rolling window.
type slidingWindow struct {
	mu     sync.Mutex
	cap    int
	window time.Duration
	events []time.Time
}

func newSlidingWindow(cap int, window time.Duration) *slidingWindow {
	return &slidingWindow{cap: cap, window: window}
}

func (w *slidingWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	w.events = append(w.events, now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return len(w.events)
}

// wait returns how long until a slot frees up, zero if one is free now.
func (w *slidingWindow) wait(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	if len(w.events) < w.cap {
		return 0
	}
	return w.events[0].Add(w.window).Sub(now)
}

func (w *slidingWindow) trim(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}
