package auth

import (
	"sync"
	"time"
)

const (
	failureWindow  = 5 * time.Minute
	failureMaxHits = 10

	// failurePruneThreshold is the number of tracked IPs above which
	// expired entries are dropped.
	failurePruneThreshold = 1000
)

// failureLimiter counts rejected basic-auth attempts per IP in a sliding
// window. An IP with failureMaxHits failures inside the window is
// blocked until the oldest one ages out.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// blocked reports whether ip is over the failure limit.
func (l *failureLimiter) blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-failureWindow)

	if len(l.failures) > failurePruneThreshold {
		for k, times := range l.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(l.failures, ip)
	} else {
		l.failures[ip] = recent
	}

	return len(recent) >= failureMaxHits
}

// fail records a rejected attempt from ip.
func (l *failureLimiter) fail(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], l.now())
	l.mu.Unlock()
}
