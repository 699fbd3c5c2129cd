package resilience_test

import (
	"testing"
	"time"

	"github.com/streamscribe/streamscribe/internal/resilience"
)

func TestBackoffStaysWithinCap(t *testing.T) {
	base := 250 * time.Millisecond
	cap := 8 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := resilience.Backoff(attempt, base, cap)
			if d < 0 || d > cap {
				t.Fatalf("attempt %d: backoff %v out of range [0, %v]", attempt, d, cap)
			}
		}
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 10 * time.Second
	// Upper bound grows monotonically; sample many draws and compare maxima.
	var maxAt = func(attempt int) time.Duration {
		var max time.Duration
		for i := 0; i < 500; i++ {
			if d := resilience.Backoff(attempt, base, cap); d > max {
				max = d
			}
		}
		return max
	}
	if maxAt(0) > maxAt(4) {
		t.Errorf("expected backoff ceiling to grow with attempt count: attempt0 max %v > attempt4 max %v", maxAt(0), maxAt(4))
	}
}
