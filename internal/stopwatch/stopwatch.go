package stopwatch

import (
	"errors"
	"time"

	"github.com/lemkep/smtp-gee/internal/clock"
)

var (
	// ErrRunning is returned by Start when the stopwatch is already running
	ErrRunning = errors.New("stopwatch already running")
	// ErrNotRunning is returned by Stop when the stopwatch was not started
	ErrNotRunning = errors.New("stopwatch not running")
)

// Stopwatch accumulates elapsed time over one or more start/stop cycles.
// It is not safe for concurrent use.
type Stopwatch struct {
	clock   clock.Clock
	start   time.Time
	running bool
	total   time.Duration
}

// New creates a stopwatch reading time from c. A nil clock means the system clock.
func New(c clock.Clock) *Stopwatch {
	if c == nil {
		c = clock.Real{}
	}
	return &Stopwatch{clock: c}
}

// Start records the current instant
func (s *Stopwatch) Start() error {
	if s.running {
		return ErrRunning
	}
	s.start = s.clock.Now()
	s.running = true
	return nil
}

// Stop adds the time since Start to the total
func (s *Stopwatch) Stop() error {
	if !s.running {
		return ErrNotRunning
	}
	s.total += s.clock.Now().Sub(s.start)
	s.start = time.Time{}
	s.running = false
	return nil
}

// SinceStart returns the time since the current cycle started, or zero when stopped
func (s *Stopwatch) SinceStart() time.Duration {
	if !s.running {
		return 0
	}
	return s.clock.Now().Sub(s.start)
}

// Elapsed returns the accumulated total of all completed cycles
func (s *Stopwatch) Elapsed() time.Duration {
	return s.total
}

// Running reports whether a cycle is in progress
func (s *Stopwatch) Running() bool {
	return s.running
}
