package routing

import (
	"sync"
	"time"
)

// latencyTracker keeps an exponentially weighted moving average per backend
type latencyTracker struct {
	mu     sync.Mutex
	alpha  float64
	values map[string]float64
}

func newLatencyTracker(alpha float64) *latencyTracker {
	return &latencyTracker{
		alpha:  alpha,
		values: make(map[string]float64),
	}
}

func (t *latencyTracker) Observe(backend string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := float64(d)
	if prev, ok := t.values[backend]; ok {
		v = t.alpha*v + (1-t.alpha)*prev
	}
	t.values[backend] = v
}

func (t *latencyTracker) Get(backend string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.values[backend]
	return time.Duration(v), ok
}
