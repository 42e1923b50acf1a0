package client

import (
	"slices"
	"time"
)

// DefaultRetryBase is the unit of the linear backoff.
const DefaultRetryBase = 500 * time.Millisecond

// maxBackoffSteps caps the backoff multiplier.
const maxBackoffSteps = 5

// Backoff returns base * min(5, max(1, attempt+1)).
func Backoff(base time.Duration, attempt int) time.Duration {
	steps := min(maxBackoffSteps, max(1, attempt+1))
	return base * time.Duration(steps)
}

// RetryState holds the candidate endpoint list and the retry counters of one
// run. The head of the list is the candidate tried next.
type RetryState struct {
	candidates []string
	rotations  int

	// Attempt counts timed retries since the last successful connection.
	Attempt int
	// MaxAttempts bounds Attempt; -1 means unbounded.
	MaxAttempts int
	Base        time.Duration
}

// NewRetryState returns a state over a copy of candidates.
func NewRetryState(candidates []string, maxAttempts int, base time.Duration) *RetryState {
	if base <= 0 {
		base = DefaultRetryBase
	}
	return &RetryState{
		candidates:  slices.Clone(candidates),
		MaxAttempts: maxAttempts,
		Base:        base,
	}
}

// Current returns the candidate to try, or "" when none remain.
func (r *RetryState) Current() string {
	if len(r.candidates) == 0 {
		return ""
	}
	return r.candidates[0]
}

// Candidates returns the list in trial order.
func (r *RetryState) Candidates() []string { return slices.Clone(r.candidates) }

// Drop discards the current candidate. It fails when it is the last one.
func (r *RetryState) Drop() (string, bool) {
	if len(r.candidates) <= 1 {
		return "", false
	}
	failed := r.candidates[0]
	r.candidates = r.candidates[1:]
	return failed, true
}

// Rotate moves the current candidate to the back of the list. Once every
// candidate has been rotated through in the current cycle it refuses, so the
// caller falls back to a timed retry.
func (r *RetryState) Rotate() (string, bool) {
	if len(r.candidates) <= 1 || r.rotations >= len(r.candidates) {
		return "", false
	}
	failed := r.candidates[0]
	r.candidates = append(r.candidates[1:], failed)
	r.rotations++
	return failed, true
}

// NextDelay returns the delay before the next timed retry.
func (r *RetryState) NextDelay() time.Duration { return Backoff(r.Base, r.Attempt) }

// Exhausted reports whether another timed retry would exceed MaxAttempts.
func (r *RetryState) Exhausted() bool {
	return r.MaxAttempts >= 0 && r.Attempt >= r.MaxAttempts
}

// BeginRetry records a timed retry and starts a new rotation cycle.
func (r *RetryState) BeginRetry() {
	r.Attempt++
	r.rotations = 0
}

// Connected resets the counters after a successful connection.
func (r *RetryState) Connected() {
	r.Attempt = 0
	r.rotations = 0
}
