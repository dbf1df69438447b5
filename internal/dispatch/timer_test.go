package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOneShotTimerFiresOnce(t *testing.T) {
	d := mustDispatcher(t)

	fired := 0
	d.AddTimerEventListener(time.Now().Add(20*time.Millisecond), 0, func(ev TimerEvent) bool {
		fired++
		return true
	}, nil)
	onePass(t, d) // registration

	// Sleep past the trigger time, then dispatch via onePass so the pass
	// that fires the timer also has pipe data to return on; a bare
	// DispatchNextEvent would block forever once the heap empties.
	time.Sleep(30 * time.Millisecond)
	onePass(t, d)
	require.Equal(t, 1, fired)
	require.Zero(t, d.timers.Len())

	onePass(t, d)
	require.Equal(t, 1, fired)
}

// A periodic timer registered with a trigger time far in the past fires once
// for the whole backlog and is rescheduled strictly into the future.
func TestPeriodicTimerCatchUp(t *testing.T) {
	d := mustDispatcher(t)

	fired := 0
	d.AddTimerEventListener(time.Now().Add(-100*time.Millisecond), 10*time.Millisecond, func(ev TimerEvent) bool {
		fired++
		return false
	}, nil)
	onePass(t, d)

	onePass(t, d)
	require.Equal(t, 1, fired)
	require.Equal(t, 1, d.timers.Len())
	require.True(t, d.timers.items[0].when.After(time.Now().Add(-10*time.Millisecond)))
}

func TestPeriodicTimerDeliversEventTime(t *testing.T) {
	d := mustDispatcher(t)

	scheduled := time.Now().Add(-30 * time.Millisecond)
	var got time.Time
	d.AddTimerEventListener(scheduled, time.Second, func(ev TimerEvent) bool {
		got = ev.Time
		return true
	}, nil)
	onePass(t, d)
	onePass(t, d)
	require.True(t, got.Equal(scheduled), "callback saw %v, scheduled %v", got, scheduled)
}

func TestZeroIntervalTimerRefiresNextPass(t *testing.T) {
	d := mustDispatcher(t)

	fired := 0
	d.AddTimerEventListener(time.Now().Add(-time.Millisecond), 0, func(ev TimerEvent) bool {
		fired++
		return fired >= 3
	}, nil)
	onePass(t, d)

	// One firing per pass until the callback cancels.
	onePass(t, d)
	require.Equal(t, 1, fired)
	onePass(t, d)
	require.Equal(t, 2, fired)
	onePass(t, d)
	require.Equal(t, 3, fired)
	require.Zero(t, d.timers.Len())
	onePass(t, d)
	require.Equal(t, 3, fired)
}

func TestRemoveTimerEventListener(t *testing.T) {
	d := mustDispatcher(t)

	fired := 0
	key := d.AddTimerEventListener(time.Now().Add(50*time.Millisecond), 0, func(TimerEvent) bool {
		fired++
		return true
	}, nil)
	onePass(t, d)
	require.Equal(t, 1, d.timers.Len())

	d.RemoveTimerEventListener(key)
	onePass(t, d)
	require.Zero(t, d.timers.Len())

	time.Sleep(70 * time.Millisecond)
	onePass(t, d)
	require.Zero(t, fired)
}

func TestSimultaneousTimersFireInRegistrationOrder(t *testing.T) {
	d := mustDispatcher(t)

	when := time.Now().Add(-time.Millisecond)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		d.AddTimerEventListener(when, 0, func(TimerEvent) bool {
			order = append(order, i)
			return true
		}, nil)
	}
	onePass(t, d)
	onePass(t, d)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
