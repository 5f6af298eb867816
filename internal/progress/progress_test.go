package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep(t *testing.T) {
	assert.Equal(t, 6, Step(8))
	assert.Equal(t, 6, Step(39))
	assert.Equal(t, 3, Step(40))
	assert.Equal(t, 3, Step(69))
	assert.Equal(t, 1, Step(70))
}

func TestNextSequence(t *testing.T) {
	var seq []int
	v := StartValue
	for i := 0; i < 60; i++ {
		v = Next(v)
		seq = append(seq, v)
	}

	assert.Equal(t, []int{14, 20, 26, 32, 38, 44, 47, 50}, seq[:8])
	assert.Equal(t, CapValue, seq[len(seq)-1])
	for i := 1; i < len(seq); i++ {
		assert.GreaterOrEqual(t, seq[i], seq[i-1])
		assert.LessOrEqual(t, seq[i], CapValue)
	}
}

func fastSimulator() *Simulator {
	return &Simulator{
		MinDelay: time.Millisecond,
		Jitter:   2 * time.Millisecond,
		Interval: time.Millisecond,
		RandN:    func(n int64) int64 { return n - 1 },
	}
}

func TestRunReachesCapAndHolds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := fastSimulator().Run(ctx)

	first := <-ch
	assert.Equal(t, Snapshot{Phase: PhaseIndeterminate}, first)

	second := <-ch
	assert.Equal(t, Snapshot{Phase: PhaseDeterminate, Value: StartValue}, second)

	last := second.Value
	for last < CapValue {
		select {
		case snap := <-ch:
			require.Equal(t, PhaseDeterminate, snap.Phase)
			require.Greater(t, snap.Value, last)
			require.LessOrEqual(t, snap.Value, CapValue)
			last = snap.Value
		case <-time.After(5 * time.Second):
			t.Fatal("simulator stalled before cap")
		}
	}

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot after cap: %+v", snap)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sim := fastSimulator()
	sim.MinDelay = time.Hour

	ch := sim.Run(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNewSimulatorWindow(t *testing.T) {
	sim := NewSimulator()
	sim.RandN = func(n int64) int64 { return 0 }
	assert.Equal(t, time.Second, sim.indeterminateFor())
	sim.RandN = func(n int64) int64 { return n - 1 }
	assert.Less(t, sim.indeterminateFor(), 3*time.Second)
	assert.Equal(t, 450*time.Millisecond, sim.Interval)
}
