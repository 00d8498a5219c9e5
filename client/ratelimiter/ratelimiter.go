package ratelimiter

import (
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

// RateLimiter gates outbound calls to the remote statistical API,
// independently of remote availability.
type RateLimiter interface {
	// Allow reports whether one more call may proceed right now. An allowed
	// call is counted in every window; a denied call is not counted anywhere.
	Allow() bool

	// Remaining returns the lowest remaining capacity across all windows.
	Remaining() int64

	// Reset clears all window counters. Administrative use only, it is never
	// called implicitly.
	Reset()
}

type window struct {
	limit    int64
	duration time.Duration
	start    time.Time
	count    int64
}

// roll lazily advances the window when its duration has elapsed. No
// background timer is involved.
func (w *window) roll(now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= w.duration {
		w.start = now
		w.count = 0
	}
}

type Handle struct {
	mu      sync.Mutex
	windows []*window
	now     func() time.Time

	log          logger.Logger
	statsFactory stats.Stats
	deniedStat   stats.Measurement
	allowedStat  stats.Measurement
}

type Opt func(*Handle)

// WithNow overrides the clock, used in tests to roll windows deterministically.
func WithNow(now func() time.Time) Opt {
	return func(h *Handle) {
		h.now = now
	}
}

// New builds a dual fixed-window limiter: a long rolling window plus a
// shorter burst window. Both must have capacity for a call to be admitted.
func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, opts ...Opt) *Handle {
	h := &Handle{
		now:          time.Now,
		log:          log.Child("ratelimiter"),
		statsFactory: statsFactory,
	}
	h.windows = []*window{
		{
			limit:    conf.GetInt64("StatAPI.RateLimit.limit", 100),
			duration: conf.GetDuration("StatAPI.RateLimit.window", 1, time.Hour),
		},
		{
			limit:    conf.GetInt64("StatAPI.RateLimit.burstLimit", 10),
			duration: conf.GetDuration("StatAPI.RateLimit.burstWindow", 1, time.Minute),
		},
	}
	h.deniedStat = statsFactory.NewTaggedStat("stat_api_admission_denied", stats.CountType, stats.Tags{"gate": "rate_limiter"})
	h.allowedStat = statsFactory.NewTaggedStat("stat_api_admission_allowed", stats.CountType, stats.Tags{"gate": "rate_limiter"})
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for _, w := range h.windows {
		w.roll(now)
	}
	// Check every window before counting in any, so a denial leaves all
	// counters untouched.
	for _, w := range h.windows {
		if w.count >= w.limit {
			h.deniedStat.Increment()
			return false
		}
	}
	for _, w := range h.windows {
		w.count++
	}
	h.allowedStat.Increment()
	return true
}

func (h *Handle) Remaining() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	remaining := int64(-1)
	for _, w := range h.windows {
		w.roll(now)
		if r := w.limit - w.count; remaining < 0 || r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.windows {
		w.start = time.Time{}
		w.count = 0
	}
	h.log.Infon("rate limiter reset")
}
