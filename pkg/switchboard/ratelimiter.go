package switchboard

import (
	"sync"
	"time"
)

const (
	reasonRateLimited = "rate limit exceeded"
	reasonBusy        = "a run is already in progress"
)

// RunLimiter applies a sliding one-minute window and a concurrency cap to the
// run requests of one connection.
type RunLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	active            int
	now               func() time.Time
}

// NewRunLimiter creates a limiter. requestsPerMinute <= 0 disables the window.
func NewRunLimiter(requestsPerMinute, maxConcurrent int) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RunLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// CheckRequestAllowed reports whether a new run may start, and why not.
func (r *RunLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active >= r.maxConcurrent {
		return false, reasonBusy
	}

	r.pruneLocked()
	if r.requestsPerMinute > 0 && len(r.requests) >= r.requestsPerMinute {
		return false, reasonRateLimited
	}
	return true, ""
}

// RecordRequestStart records the start of a run
func (r *RunLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, r.now())
	r.active++
}

// RecordRequestEnd records the end of a run
func (r *RunLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active > 0 {
		r.active--
	}
}

// Stats returns the requests in the current window and the active run count.
func (r *RunLimiter) Stats() (requestCount, activeCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	return len(r.requests), r.active
}

func (r *RunLimiter) pruneLocked() {
	cutoff := r.now().Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}
