package kvblog

import (
	"sync"
	"time"
)

// AuthLimiter rate-limits failed token checks per IP address.
type AuthLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	max      int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewAuthLimiter creates an AuthLimiter that allows max failures per window.
func NewAuthLimiter(max int, window time.Duration) *AuthLimiter {
	l := &AuthLimiter{
		failures: make(map[string][]time.Time),
		max:      max,
		window:   window,
		done:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *AuthLimiter) cleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.window)
			l.mu.Lock()
			for ip, hits := range l.failures {
				if kept := prune(hits, cutoff); len(kept) == 0 {
					delete(l.failures, ip)
				} else {
					l.failures[ip] = kept
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Check returns true if the IP has not exceeded the failure limit.
// It does not record anything; call Record on failure.
func (l *AuthLimiter) Check(ip string) bool {
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.failures[ip], cutoff)
	if len(kept) == 0 {
		delete(l.failures, ip)
		return true
	}
	l.failures[ip] = kept
	return len(kept) < l.max
}

// Record registers a failed attempt for the given IP.
func (l *AuthLimiter) Record(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], time.Now())
	l.mu.Unlock()
}

// Stop ends the cleanup goroutine.
func (l *AuthLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}
