package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mustDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// onePass makes DispatchNextEvent return promptly even with nothing ready.
func onePass(t *testing.T, d *Dispatcher) {
	t.Helper()
	d.Interrupt()
	more, err := d.DispatchNextEvent()
	require.NoError(t, err)
	require.True(t, more)
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestStopEndsDispatchEvents(t *testing.T) {
	d := mustDispatcher(t)

	done := make(chan error, 1)
	go func() { done <- d.DispatchEvents() }()

	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchEvents did not return after Stop")
	}
}

func TestInterruptWakesBlockedSelect(t *testing.T) {
	d := mustDispatcher(t)

	done := make(chan struct{})
	go func() {
		more, err := d.DispatchNextEvent()
		require.NoError(t, err)
		require.True(t, more)
		close(done)
	}()

	// Give the loop time to block with no ready descriptor and no timer.
	time.Sleep(50 * time.Millisecond)
	d.Interrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not wake the blocked dispatch pass")
	}
}

func TestSignalRoundTrip(t *testing.T) {
	d := mustDispatcher(t)

	got := make(chan any, 4)
	key := d.AddSignalListener(func(ev SignalEvent) bool {
		got <- ev.Data
		return false
	}, nil)

	payload := &struct{ n int }{42}
	d.Signal(key, payload)

	onePass(t, d) // registers the listener and delivers the signal
	select {
	case v := <-got:
		require.Same(t, payload, v)
	default:
		t.Fatal("signal was not delivered in the pass that drained it")
	}

	// Exactly once.
	onePass(t, d)
	require.Empty(t, got)
}

func TestSignalForUnknownKeyIsDropped(t *testing.T) {
	d := mustDispatcher(t)
	d.Signal(ListenerKey(12345), "nobody home")
	onePass(t, d)
	onePass(t, d)
}

func TestIOListenerDelivery(t *testing.T) {
	d := mustDispatcher(t)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	got := make(chan []byte, 4)
	d.AddIOEventListener(a, Read, func(ev IOEvent) bool {
		buf := make([]byte, 64)
		n, err := unix.Read(ev.Fd, buf)
		require.NoError(t, err)
		got <- buf[:n]
		return false
	}, nil)

	onePass(t, d) // registration

	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	more, err := d.DispatchNextEvent()
	require.NoError(t, err)
	require.True(t, more)
	select {
	case data := <-got:
		require.Equal(t, "hello", string(data))
	default:
		t.Fatal("readable descriptor did not reach its listener")
	}
}

func TestIOListenerSelfRemoval(t *testing.T) {
	d := mustDispatcher(t)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	calls := 0
	d.AddIOEventListener(a, Read, func(ev IOEvent) bool {
		calls++
		buf := make([]byte, 16)
		_, _ = unix.Read(ev.Fd, buf)
		return true
	}, nil)
	onePass(t, d)

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)
	_, err = d.DispatchNextEvent()
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, d.ioListeners)

	// Further traffic is ignored; the loop still runs.
	_, err = unix.Write(b, []byte("y"))
	require.NoError(t, err)
	onePass(t, d)
	require.Equal(t, 1, calls)
}

func TestRemoveIOEventListener(t *testing.T) {
	d := mustDispatcher(t)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	calls := 0
	key := d.AddIOEventListener(a, Read, func(ev IOEvent) bool {
		calls++
		buf := make([]byte, 16)
		_, _ = unix.Read(ev.Fd, buf)
		return false
	}, nil)
	onePass(t, d)

	d.RemoveIOEventListener(key)
	onePass(t, d)
	require.Empty(t, d.ioListeners)

	_, err := unix.Write(b, []byte("z"))
	require.NoError(t, err)
	onePass(t, d)
	require.Zero(t, calls)
}

func TestSetMaskFromCallback(t *testing.T) {
	d := mustDispatcher(t)
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	var key ListenerKey
	reads := 0
	key = d.AddIOEventListener(a, Read, func(ev IOEvent) bool {
		reads++
		buf := make([]byte, 16)
		_, _ = unix.Read(ev.Fd, buf)
		// Unsubscribe from further reads without a pipe round trip.
		d.SetIOEventListenerEventTypeMaskFromCallback(key, 0)
		return false
	}, nil)
	onePass(t, d)

	_, err := unix.Write(b, []byte("1"))
	require.NoError(t, err)
	_, err = d.DispatchNextEvent()
	require.NoError(t, err)
	require.Equal(t, 1, reads)

	_, err = unix.Write(b, []byte("2"))
	require.NoError(t, err)
	onePass(t, d)
	require.Equal(t, 1, reads)
}

// Concurrent registrations and removals from many goroutines must leave the
// collections reflecting exactly the net effect, in pipe-write order.
func TestConcurrentProcessListenerRegistration(t *testing.T) {
	d := mustDispatcher(t)

	const goroutines = 8
	const perGoroutine = 8

	seen := make(chan ListenerKey, 4096)
	var keys [goroutines * perGoroutine]ListenerKey
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				keys[g*perGoroutine+i] = d.AddProcessListener(func(ev ProcessEvent) bool {
					seen <- ev.Key
					return false
				}, nil)
			}
		}(g)
	}
	wg.Wait()

	onePass(t, d) // drains all registrations, then runs every process listener
	distinct := map[ListenerKey]bool{}
	for len(seen) > 0 {
		distinct[<-seen] = true
	}
	require.Len(t, distinct, goroutines*perGoroutine)

	for _, k := range keys {
		d.RemoveProcessListener(k)
	}
	// Barrier: a signal posted after the removals is drained after them.
	barrier := make(chan struct{}, 1)
	sk := d.AddSignalListener(func(SignalEvent) bool {
		barrier <- struct{}{}
		return true
	}, nil)
	d.Signal(sk, nil)
	onePass(t, d)
	require.Len(t, barrier, 1)

	for len(seen) > 0 {
		<-seen
	}
	onePass(t, d)
	require.Empty(t, seen)
	require.Empty(t, d.processListeners)
}

func TestProcessListenerSelfRemoval(t *testing.T) {
	d := mustDispatcher(t)

	calls := 0
	d.AddProcessListener(func(ProcessEvent) bool {
		calls++
		return true
	}, nil)
	onePass(t, d)
	require.Equal(t, 1, calls)
	onePass(t, d)
	require.Equal(t, 1, calls)
}

// A partial pipe record must carry over between passes and complete without
// desynchronizing the message stream.
func TestPipeReadResynchronization(t *testing.T) {
	d := mustDispatcher(t)

	var msg [pipeMessageSize]byte
	putUint32(msg[0:], cmdInterrupt)

	_, err := unix.Write(d.pipeWrite, msg[:10])
	require.NoError(t, err)
	more, err := d.DispatchNextEvent()
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, 10, d.partial)

	_, err = unix.Write(d.pipeWrite, msg[10:])
	require.NoError(t, err)
	more, err = d.DispatchNextEvent()
	require.NoError(t, err)
	require.True(t, more)
	require.Zero(t, d.partial)

	// Stream still aligned: a whole-record signal round-trips.
	got := make(chan any, 1)
	key := d.AddSignalListener(func(ev SignalEvent) bool {
		got <- ev.Data
		return false
	}, nil)
	d.Signal(key, "aligned")
	onePass(t, d)
	require.Len(t, got, 1)
	require.Equal(t, "aligned", <-got)
}

// Closing a watched descriptor behind the dispatcher's back puts select
// into bad-descriptor recovery: the loop survives, listens on the wakeup
// pipe alone, and resumes normally once the stale listener is removed.
func TestBadDescriptorRecovery(t *testing.T) {
	d := mustDispatcher(t)
	a, b := socketPair(t)
	defer unix.Close(b)

	key := d.AddIOEventListener(a, Read, func(IOEvent) bool { return false }, nil)
	onePass(t, d)

	require.NoError(t, unix.Close(a))
	more, err := d.DispatchNextEvent()
	require.NoError(t, err)
	require.True(t, more)
	require.True(t, d.haveBadFd)

	// Degraded mode still serves the pipe.
	got := make(chan any, 1)
	sk := d.AddSignalListener(func(ev SignalEvent) bool {
		got <- ev.Data
		return false
	}, nil)
	d.Signal(sk, "still alive")
	onePass(t, d)
	require.Len(t, got, 1)
	<-got

	d.RemoveIOEventListener(key)
	onePass(t, d)
	require.False(t, d.haveBadFd)
	require.Empty(t, d.ioListeners)
}

func TestStopOnSignalsSingleOwner(t *testing.T) {
	d := mustDispatcher(t)
	if err := d.StopOnSignals(); err != nil {
		// Another test in this process may already own the hook.
		t.Skipf("signal hook unavailable: %v", err)
	}
	require.Error(t, d.StopOnSignals())
}

func TestListenerKeysNeverZero(t *testing.T) {
	d := mustDispatcher(t)
	d.lastKey = ^ListenerKey(0) // force a wrap
	key := d.AddProcessListener(func(ProcessEvent) bool { return true }, nil)
	require.NotZero(t, key)
}
