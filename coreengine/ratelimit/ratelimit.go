// Package ratelimit limits run submissions per client with sliding windows.
//
// Each window is split into sub-buckets, so counts decay smoothly instead of
// resetting at window boundaries.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Config defines submission thresholds. A zero limit disables that window.
type Config struct {
	RunsPerMinute int `json:"runs_per_minute"`
	RunsPerHour   int `json:"runs_per_hour"`
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Window     string        `json:"window,omitempty"` // "minute" or "hour" when exceeded
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// Sliding Window
// =============================================================================

const bucketCount = 10

// window is a sliding window counter over bucketCount sub-buckets.
type window struct {
	size    time.Duration
	buckets map[int64]int
}

func newWindow(size time.Duration) *window {
	return &window{size: size, buckets: make(map[int64]int)}
}

func (w *window) bucketSize() time.Duration { return w.size / bucketCount }

func (w *window) bucketOf(now time.Time) int64 {
	return now.UnixNano() / int64(w.bucketSize())
}

func (w *window) record(now time.Time) {
	current := w.bucketOf(now)
	w.prune(current)
	w.buckets[current]++
}

func (w *window) prune(current int64) {
	minBucket := current - bucketCount
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}
}

func (w *window) count(now time.Time) int {
	minBucket := w.bucketOf(now) - bucketCount
	n := 0
	for b, c := range w.buckets {
		if b >= minBucket {
			n += c
		}
	}
	return n
}

// retryAfter returns how long until enough of the oldest requests age out
// for one more to fit under limit.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	current := w.count(now)
	if current < limit {
		return 0
	}

	minBucket := w.bucketOf(now) - bucketCount
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= minBucket {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			bucketEnd := time.Unix(0, (b+1)*int64(w.bucketSize()))
			if wait := bucketEnd.Add(w.size).Sub(now); wait > 0 {
				return wait
			}
			return 0
		}
	}
	return w.size
}

// =============================================================================
// Limiter
// =============================================================================

type windowKey struct {
	client string
	name   string
}

// Limiter is a thread-safe per-client submission limiter.
type Limiter struct {
	config  Config
	now     func() time.Time
	windows map[windowKey]*window
	mu      sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// New creates a limiter.
func New(config Config, opts ...Option) *Limiter {
	l := &Limiter{
		config:  config,
		now:     time.Now,
		windows: make(map[windowKey]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether any window is limited.
func (l *Limiter) Enabled() bool {
	return l.config.RunsPerMinute > 0 || l.config.RunsPerHour > 0
}

// Allow checks client against every window and records the submission when
// all of them have room.
func (l *Limiter) Allow(client string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	checks := l.checks()
	for _, c := range checks {
		w := l.window(client, c.name, c.size)
		if current := w.count(now); current >= c.limit {
			return Result{
				Window:     c.name,
				Current:    current,
				Limit:      c.limit,
				RetryAfter: w.retryAfter(now, c.limit),
			}
		}
	}

	for _, c := range checks {
		l.window(client, c.name, c.size).record(now)
	}

	res := Result{Allowed: true}
	if l.config.RunsPerMinute > 0 {
		res.Limit = l.config.RunsPerMinute
		res.Current = l.windows[windowKey{client, "minute"}].count(now)
		res.Remaining = max(res.Limit-res.Current, 0)
	}
	return res
}

// Reset forgets every window of client and returns how many were removed.
func (l *Limiter) Reset(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.windows {
		if key.client == client {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// CleanupExpired drops windows with no live requests.
func (l *Limiter) CleanupExpired() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, w := range l.windows {
		if w.count(now) == 0 {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

type check struct {
	name  string
	size  time.Duration
	limit int
}

func (l *Limiter) checks() []check {
	var out []check
	if l.config.RunsPerMinute > 0 {
		out = append(out, check{"minute", time.Minute, l.config.RunsPerMinute})
	}
	if l.config.RunsPerHour > 0 {
		out = append(out, check{"hour", time.Hour, l.config.RunsPerHour})
	}
	return out
}

func (l *Limiter) window(client, name string, size time.Duration) *window {
	key := windowKey{client, name}
	w, ok := l.windows[key]
	if !ok {
		w = newWindow(size)
		l.windows[key] = w
	}
	return w
}
