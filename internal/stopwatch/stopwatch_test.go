package stopwatch

import (
	"errors"
	"testing"
	"time"

	"github.com/lemkep/smtp-gee/internal/clock"
)

func TestSingleCycle(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	sw := New(fc)

	if err := sw.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	fc.Advance(1500 * time.Millisecond)
	if err := sw.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if sw.Elapsed() != 1500*time.Millisecond {
		t.Errorf("Elapsed() = %v, want 1.5s", sw.Elapsed())
	}
	if sw.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestCyclesAccumulate(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	sw := New(fc)

	sw.Start()
	fc.Advance(2 * time.Second)
	sw.Stop()

	// time between cycles is not counted
	fc.Advance(time.Hour)

	sw.Start()
	fc.Advance(3 * time.Second)
	sw.Stop()

	if sw.Elapsed() != 5*time.Second {
		t.Errorf("Elapsed() = %v, want 5s", sw.Elapsed())
	}
}

func TestSinceStart(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	sw := New(fc)

	if got := sw.SinceStart(); got != 0 {
		t.Errorf("SinceStart() before Start = %v, want 0", got)
	}

	sw.Start()
	fc.Advance(750 * time.Millisecond)
	if got := sw.SinceStart(); got != 750*time.Millisecond {
		t.Errorf("SinceStart() = %v, want 750ms", got)
	}
	if sw.Elapsed() != 0 {
		t.Errorf("Elapsed() while running = %v, want 0", sw.Elapsed())
	}
}

func TestMisuse(t *testing.T) {
	sw := New(clock.NewFake(time.Unix(0, 0)))

	if err := sw.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() on idle stopwatch = %v, want ErrNotRunning", err)
	}

	sw.Start()
	if err := sw.Start(); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() = %v, want ErrRunning", err)
	}
}

func TestRealClock(t *testing.T) {
	sw := New(nil)
	sw.Start()
	time.Sleep(10 * time.Millisecond)
	sw.Stop()

	if sw.Elapsed() < 10*time.Millisecond {
		t.Errorf("Elapsed() = %v, want >= 10ms", sw.Elapsed())
	}
}
