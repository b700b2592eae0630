// Package retry implements the exponential backoff schedule used when the
// control link to the server is lost.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultBaseTime time.Duration = time.Second

	// MaxBackoff caps the exponential component of the wait; jitter is
	// added on top, so reconnect storms from many clients stay spread out
	// even after the cap is reached.
	MaxBackoff = time.Minute

	// MaxJitter bounds the random component added to every wait.
	MaxJitter = time.Second
)

// Redeclare time functions so they can be overridden in tests.
type Clock struct {
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// BackoffHandler manages exponential backoff and limits the maximum number of
// reconnect attempts. The wait before attempt n is baseTime * 2^n capped at
// MaxBackoff, plus up to MaxJitter of random spread.
type BackoffHandler struct {
	// maxRetries sets the maximum number of retries to perform. The default
	// value of 0 disables retry completely.
	maxRetries uint
	// retryForever caps the exponential backoff period according to
	// maxRetries but allows retrying indefinitely.
	retryForever bool
	// baseTime sets the initial backoff period.
	baseTime time.Duration

	retries       uint
	resetDeadline time.Time

	Clock Clock
}

func NewBackoff(maxRetries uint, baseTime time.Duration, retryForever bool) BackoffHandler {
	return BackoffHandler{
		maxRetries:   maxRetries,
		baseTime:     baseTime,
		retryForever: retryForever,
		Clock:        Clock{Now: time.Now, After: time.After},
	}
}

// NextBackoff returns the wait the next BackoffTimer call would schedule,
// without mutating the receiver. The second return is false once retries are
// exhausted.
func (b BackoffHandler) NextBackoff(ctx context.Context) (time.Duration, bool) {
	select {
	case <-ctx.Done():
		return time.Duration(0), false
	default:
	}
	retries := b.retries
	if !b.resetDeadline.IsZero() && b.Clock.Now().After(b.resetDeadline) {
		retries = 0
	}
	if retries >= b.maxRetries && !b.retryForever {
		return time.Duration(0), false
	}
	return b.waitForRetry(retries), true
}

// BackoffTimer returns a channel that sends the current time when the current
// backoff wait expires. Returns nil if the maximum number of retries have
// been used.
func (b *BackoffHandler) BackoffTimer() <-chan time.Time {
	if !b.resetDeadline.IsZero() && b.Clock.Now().After(b.resetDeadline) {
		b.retries = 0
		b.resetDeadline = time.Time{}
	}
	if b.retries >= b.maxRetries && !b.retryForever {
		return nil
	}
	timeToWait := b.waitForRetry(b.retries)
	b.retries++
	return b.Clock.After(timeToWait)
}

// Backoff waits according to the exponential backoff schedule. Returns false
// if the maximum number of retries have been used or the context has been
// cancelled.
func (b *BackoffHandler) Backoff(ctx context.Context) bool {
	c := b.BackoffTimer()
	if c == nil {
		return false
	}
	select {
	case <-c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b BackoffHandler) waitForRetry(retries uint) time.Duration {
	wait := b.GetBaseTime()
	for i := uint(0); i < retries; i++ {
		wait *= 2
		if wait >= MaxBackoff {
			wait = MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(MaxJitter))) // #nosec G404
	return wait + jitter
}

func (b BackoffHandler) GetBaseTime() time.Duration {
	if b.baseTime == 0 {
		return DefaultBaseTime
	}
	return b.baseTime
}

// Retries returns the number of retries consumed so far.
func (b *BackoffHandler) Retries() int {
	return int(b.retries)
}

func (b *BackoffHandler) ReachedMaxRetries() bool {
	return !b.retryForever && b.retries >= b.maxRetries
}

// ResetNow clears the retry count, so the next failure starts the schedule
// from the base period again. Called after a successful authentication.
func (b *BackoffHandler) ResetNow() {
	b.resetDeadline = b.Clock.Now()
	b.retries = 0
}
