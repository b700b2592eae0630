// Package signal provides a one-shot broadcast primitive for events like
// "reconnect attempts exhausted" that many goroutines wait on but several
// may try to fire.
package signal

import (
	"sync"
)

// Signal wraps a channel that is closed exactly once, no matter how many
// goroutines call Notify.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

// New wraps ch; the caller keeps no other reference to it.
func New(ch chan struct{}) *Signal {
	return &Signal{
		ch:   ch,
		once: sync.Once{},
	}
}

// Notify fires the signal. Calls after the first are no-ops.
func (s *Signal) Notify() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Wait returns the channel that is closed by the first Notify.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}
