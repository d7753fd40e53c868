package worker

import "time"

// RateLimiter counts attempts in a sliding window. It is owned by a single
// worker and not safe for concurrent use.
type RateLimiter struct {
	limit  int
	window time.Duration
	hits   []time.Time
}

// NewRateLimiter allows limit attempts per window. A limit of zero or less
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window}
}

// Record counts an attempt at now and returns the number of attempts in the
// window ending at now and whether that number exceeds the limit.
func (l *RateLimiter) Record(now time.Time) (int, bool) {
	cutoff := now.Add(-l.window)
	keep := 0
	for keep < len(l.hits) && !l.hits[keep].After(cutoff) {
		keep++
	}
	l.hits = append(l.hits[:0], l.hits[keep:]...)
	l.hits = append(l.hits, now)

	n := len(l.hits)
	return n, l.limit > 0 && n > l.limit
}

// Count returns the attempts currently in the window ending at now.
func (l *RateLimiter) Count(now time.Time) int {
	cutoff := now.Add(-l.window)
	n := 0
	for _, h := range l.hits {
		if h.After(cutoff) {
			n++
		}
	}
	return n
}
