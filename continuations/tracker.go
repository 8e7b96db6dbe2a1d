package continuations

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tracker bounds the number of pending continuations
type Tracker struct {
	pending atomic.Int64
	limit   int64
}

// NewTracker creates a tracker. A limit of zero or less means unbounded.
func NewTracker(limit int) *Tracker {
	return &Tracker{limit: int64(limit)}
}

// Acquire reserves a pending slot and reports whether one was available
func (t *Tracker) Acquire() bool {
	for {
		current := t.pending.Load()
		if t.limit > 0 && current >= t.limit {
			return false
		}
		if t.pending.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release frees a pending slot
func (t *Tracker) Release() {
	for {
		current := t.pending.Load()
		if current <= 0 {
			return
		}
		if t.pending.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Pending returns the number of pending continuations
func (t *Tracker) Pending() int {
	return int(t.pending.Load())
}

// Limit returns the configured limit, zero when unbounded
func (t *Tracker) Limit() int {
	if t.limit < 0 {
		return 0
	}
	return int(t.limit)
}

// Register exposes the pending count as a gauge
func (t *Tracker) Register(reg prometheus.Registerer) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "phasechain_pending_continuations",
		Help: "Continuations currently suspended.",
	}, func() float64 {
		return float64(t.Pending())
	})
}
