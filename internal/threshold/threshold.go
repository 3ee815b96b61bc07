package threshold

import (
	"math"
	"sync/atomic"
)

// Monitor holds the process-wide power ceiling. The ceiling is a single
// scalar read on every sample, so it is stored as atomic float bits rather
// than behind a mutex.
type Monitor struct {
	limitBits atomic.Uint64 // math.Float64bits of the ceiling in watts
}

func New(limitWatts float64) *Monitor {
	m := &Monitor{}
	m.SetLimit(limitWatts)
	return m
}

// Exceeded reports whether a reading's power is strictly above the ceiling.
func (m *Monitor) Exceeded(powerWatts float64) bool {
	return powerWatts > m.Limit()
}

func (m *Monitor) Limit() float64 {
	return math.Float64frombits(m.limitBits.Load())
}

// SetLimit takes effect on the next evaluation.
func (m *Monitor) SetLimit(watts float64) {
	m.limitBits.Store(math.Float64bits(watts))
}
