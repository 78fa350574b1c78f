// Package retry implements the retry-with-fallback controller: up to
// MaxRetries retries against the primary candidate with a fixed backoff
// schedule, then a single fallback attempt against the next candidate.
package retry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// BackoffDurations is the fixed backoff schedule. With MaxRetries=2 only
// the first two entries are ever used; the third documents the full
// sequence and takes effect only if MaxRetries is raised.
var BackoffDurations = [3]time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// MaxRetries bounds the primary candidate to MaxRetries+1 total attempts.
const MaxRetries = 2

// AttemptRecord is one failed attempt, kept for the x-arbstr-retries header.
type AttemptRecord struct {
	ProviderName string
	StatusCode   int
}

// Candidate is the minimal routing info the retry controller needs,
// decoupled from the router package so this controller is independently
// testable.
type Candidate struct {
	Name string
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	error
	StatusCode() int
}

// IsRetryable reports whether status should trigger a retry. Only 500,
// 502, 503, 504 are retryable; 501 is deliberately excluded as
// non-transient, as are all 4xx client errors.
func IsRetryable(status int) bool {
	switch status {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// FormatRetriesHeader renders attempts into the x-arbstr-retries header
// value, e.g. "2/alpha, 1/beta" -- count of failed attempts per provider
// in first-appearance order. Returns "", false if attempts is empty.
func FormatRetriesHeader(attempts []AttemptRecord) (string, bool) {
	if len(attempts) == 0 {
		return "", false
	}
	order := make([]string, 0, len(attempts))
	counts := make(map[string]int, len(attempts))
	for _, a := range attempts {
		if _, ok := counts[a.ProviderName]; !ok {
			order = append(order, a.ProviderName)
		}
		counts[a.ProviderName]++
	}
	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, fmt.Sprintf("%d/%s", counts[name], name))
	}
	return strings.Join(parts, ", "), true
}

// AttemptLog is the shared, mutex-guarded record of attempts. Passed in
// by the caller so attempt history survives a context cancellation that
// aborts WithFallback partway through.
type AttemptLog struct {
	mu      sync.Mutex
	records []AttemptRecord
}

// NewAttemptLog returns an empty attempt log.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{}
}

func (l *AttemptLog) record(providerName string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, AttemptRecord{ProviderName: providerName, StatusCode: status})
}

// Records returns a copy of the attempts recorded so far. Safe to call
// concurrently with an in-flight WithFallback, including after its
// context has been cancelled.
func (l *AttemptLog) Records() []AttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AttemptRecord, len(l.records))
	copy(out, l.records)
	return out
}

// SendFunc performs one attempt against candidate and returns a
// StatusCoder error on failure.
type SendFunc[T any] func(ctx context.Context, candidate Candidate) (T, error)

// WithFallback runs the retry-with-fallback algorithm:
//  1. Treat candidates[0] as primary, candidates[1] (if present) as fallback.
//  2. Attempt the primary up to MaxRetries+1 times, sleeping the fixed
//     backoff schedule between attempts (never before the first attempt).
//  3. A non-retryable primary error returns immediately: no further
//     retries, no fallback.
//  4. Once the primary is exhausted with only retryable errors, attempt
//     the fallback exactly once.
//  5. With no fallback candidate, return the last primary error.
//
// Every failed attempt -- retryable or not, primary or fallback -- is
// recorded into log before WithFallback returns or the error is examined,
// so a caller whose context is cancelled mid-backoff can still read
// log.Records().
func WithFallback[T any](ctx context.Context, candidates []Candidate, log *AttemptLog, send SendFunc[T]) (T, error) {
	var zero T
	if len(candidates) == 0 {
		panic("retry.WithFallback requires at least one candidate")
	}

	primary := candidates[0]
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(BackoffDurations[attempt-1]):
			}
		}

		value, err := send(ctx, primary)
		if err == nil {
			return value, nil
		}

		sc, ok := err.(StatusCoder)
		status := 0
		if ok {
			status = sc.StatusCode()
		}
		log.record(primary.Name, status)

		if !ok || !IsRetryable(status) {
			return zero, err
		}
		lastErr = err
	}

	if len(candidates) > 1 {
		fallback := candidates[1]
		value, err := send(ctx, fallback)
		if err == nil {
			return value, nil
		}
		status := 0
		if sc, ok := err.(StatusCoder); ok {
			status = sc.StatusCode()
		}
		log.record(fallback.Name, status)
		return zero, err
	}

	return zero, lastErr
}
