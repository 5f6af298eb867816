// Package progress simulates the two-phase progress bar shown while a damage
// assessment is being submitted. The backend reports no real progress, so the
// bar runs on a schedule and only reaches 100 once the caller confirms success.
package progress

import (
	"context"
	"math/rand/v2"
	"time"
)

type Phase string

const (
	PhaseIndeterminate Phase = "indeterminate"
	PhaseDeterminate   Phase = "determinate"
)

const (
	StartValue = 8
	CapValue   = 92
	DoneValue  = 100
)

type Snapshot struct {
	Phase Phase `json:"phase"`
	Value int   `json:"value"`
}

// Step is the increment applied to value on the next tick.
func Step(value int) int {
	switch {
	case value < 40:
		return 6
	case value < 70:
		return 3
	default:
		return 1
	}
}

// Next returns value advanced by one tick, never past CapValue.
func Next(value int) int {
	if value >= CapValue {
		return value
	}
	return min(CapValue, value+Step(value))
}

type Simulator struct {
	MinDelay time.Duration
	Jitter   time.Duration
	Interval time.Duration
	// RandN returns a value in [0, n). Replaced in tests.
	RandN func(n int64) int64
}

func NewSimulator() *Simulator {
	return &Simulator{
		MinDelay: time.Second,
		Jitter:   2 * time.Second,
		Interval: 450 * time.Millisecond,
		RandN:    rand.Int64N,
	}
}

func (s *Simulator) indeterminateFor() time.Duration {
	if s.Jitter <= 0 || s.RandN == nil {
		return s.MinDelay
	}
	return s.MinDelay + time.Duration(s.RandN(int64(s.Jitter)))
}

// Run emits snapshots until ctx is cancelled, then closes the channel. The
// first snapshot is indeterminate; determinate values follow and stop
// changing at CapValue. Timers are stopped when Run returns.
func (s *Simulator) Run(ctx context.Context) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)

		send := func(snap Snapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(Snapshot{Phase: PhaseIndeterminate}) {
			return
		}

		timer := time.NewTimer(s.indeterminateFor())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		value := StartValue
		if !send(Snapshot{Phase: PhaseDeterminate, Value: value}) {
			return
		}

		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next := Next(value)
				if next == value {
					continue
				}
				value = next
				if !send(Snapshot{Phase: PhaseDeterminate, Value: value}) {
					return
				}
			}
		}
	}()
	return out
}
