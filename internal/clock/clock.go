// Package clock abstracts wall-clock time so that timed probe phases can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and blocking sleeps
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the system clock
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time { return time.Now() }

// Sleep blocks for d
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a manually driven clock. Sleep advances the clock instead of blocking.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake creates a fake clock positioned at t
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep records d and advances the clock by it
func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleeps returns every duration passed to Sleep, in order
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
