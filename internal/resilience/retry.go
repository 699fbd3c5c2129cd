package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes a full-jitter exponential backoff delay for the given
// zero-based retry attempt: a value drawn uniformly from [0, min(cap, base *
// 2^attempt)). This is the policy ChatClient uses to retry transient
// posting failures (base 250ms, cap 8s, 5 attempts) while preserving
// per-thread order — callers retry in place rather than reordering work.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	upper := base
	for i := 0; i < attempt; i++ {
		upper *= 2
		if upper >= cap {
			upper = cap
			break
		}
	}
	if upper <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upper)))
}

// DefaultPostRetryBase and DefaultPostRetryCap are the specification's
// documented defaults for ChatClient's transient-error retry policy.
const (
	DefaultPostRetryBase        = 250 * time.Millisecond
	DefaultPostRetryCap         = 8 * time.Second
	DefaultPostRetryMaxAttempts = 5
)
