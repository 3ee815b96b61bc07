package threshold

import (
	"sync"
	"testing"
)

func TestExceeded(t *testing.T) {
	m := New(1400)

	if m.Exceeded(1399.9) {
		t.Error("below ceiling reported as exceeded")
	}
	if m.Exceeded(1400) {
		t.Error("ceiling itself must not trip the monitor")
	}
	if !m.Exceeded(1400.1) {
		t.Error("above ceiling not reported")
	}
}

func TestSetLimit(t *testing.T) {
	m := New(1400)
	m.SetLimit(500)

	if got := m.Limit(); got != 500 {
		t.Fatalf("Limit() = %v, want 500", got)
	}
	if !m.Exceeded(600) {
		t.Error("new ceiling not applied")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New(1000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(v float64) {
			defer wg.Done()
			m.SetLimit(v)
		}(float64(100 * (i + 1)))
		go func() {
			defer wg.Done()
			_ = m.Exceeded(450)
		}()
	}
	wg.Wait()

	got := m.Limit()
	if got < 100 || got > 800 {
		t.Fatalf("Limit() = %v after concurrent writes, want one of the written values", got)
	}
}
