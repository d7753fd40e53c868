package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	l := NewRateLimiter(3, time.Second)
	base := time.Unix(1000, 0)

	for i := range 3 {
		n, exceeded := l.Record(base.Add(time.Duration(i) * 100 * time.Millisecond))
		assert.Equal(t, i+1, n)
		assert.False(t, exceeded)
	}

	n, exceeded := l.Record(base.Add(300 * time.Millisecond))
	assert.Equal(t, 4, n)
	assert.True(t, exceeded)

	// The first attempt leaves the window exactly one second later.
	n, exceeded = l.Record(base.Add(1000 * time.Millisecond))
	assert.Equal(t, 4, n)
	assert.True(t, exceeded)

	n, exceeded = l.Record(base.Add(2500 * time.Millisecond))
	assert.Equal(t, 1, n)
	assert.False(t, exceeded)
	assert.Equal(t, 1, l.Count(base.Add(2500*time.Millisecond)))
	assert.Zero(t, l.Count(base.Add(4*time.Second)))
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, time.Second)
	now := time.Now()
	for range 100 {
		_, exceeded := l.Record(now)
		assert.False(t, exceeded)
	}
}
