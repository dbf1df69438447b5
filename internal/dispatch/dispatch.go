// Package dispatch implements a single-threaded reactor multiplexing socket
// readiness, timers, per-iteration hooks and cross-thread signaling over one
// select loop. Listener registration is safe from any goroutine: every
// mutation travels through a wakeup pipe as a fixed-size message and is
// applied by the dispatching goroutine, which is the sole owner of all
// listener collections.
package dispatch

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// EventType is a bit mask of file descriptor readiness conditions.
type EventType uint32

const (
	Read      EventType = 1 << iota // descriptor readable
	Write                           // descriptor writable
	Exception                       // exceptional condition pending
)

// ListenerKey identifies a registered listener of any kind. Keys are never
// zero and never reused while the dispatcher lives.
type ListenerKey uint32

// IOEvent describes one readiness notification delivered to an I/O listener.
// Events holds only the conditions the listener subscribed to.
type IOEvent struct {
	Key      ListenerKey
	Fd       int
	Events   EventType
	UserData any
}

// TimerEvent describes one timer expiry. Time is the scheduled trigger time,
// which may lie in the past if the loop was busy.
type TimerEvent struct {
	Key      ListenerKey
	Time     time.Time
	UserData any
}

// ProcessEvent is delivered to process listeners once per dispatch pass.
type ProcessEvent struct {
	Key      ListenerKey
	UserData any
}

// SignalEvent carries an opaque payload raised via Signal. The payload's
// lifetime is the caller's concern; the dispatcher only hands it through.
type SignalEvent struct {
	Key      ListenerKey
	Data     any
	UserData any
}

// Listener callbacks return true to remove the listener.
type (
	IOEventCallback func(event IOEvent) bool
	TimerCallback   func(event TimerEvent) bool
	ProcessCallback func(event ProcessEvent) bool
	SignalCallback  func(event SignalEvent) bool
)

// Pipe messages are fixed-size records; writes are whole records and reads
// resynchronize on record boundaries (see drainPipe).
const pipeMessageSize = 16

const (
	cmdInterrupt uint32 = iota
	cmdStop
	cmdAddIOListener
	cmdSetIOListenerMask
	cmdRemoveIOListener
	cmdAddTimerListener
	cmdRemoveTimerListener
	cmdAddProcessListener
	cmdRemoveProcessListener
	cmdAddSignalListener
	cmdRemoveSignalListener
	cmdSignal
)

type ioListener struct {
	key      ListenerKey
	fd       int
	mask     EventType
	callback IOEventCallback
	userData any
}

type timerListener struct {
	key      ListenerKey
	when     time.Time
	interval time.Duration
	seq      uint64
	callback TimerCallback
	userData any
}

type processListener struct {
	key      ListenerKey
	callback ProcessCallback
	userData any
}

type signalListener struct {
	key      ListenerKey
	callback SignalCallback
	userData any
}

type stagedSignal struct {
	key  ListenerKey
	data any
}

// Dispatcher is the reactor. One goroutine calls DispatchNextEvent or
// DispatchEvents; all other methods may be called from any goroutine.
type Dispatcher struct {
	// pipeMu serializes writers to the wakeup pipe. Staged records are
	// pushed under the same critical section as the matching pipe write,
	// so drain order equals pipe order.
	pipeMu  sync.Mutex
	lastKey ListenerKey
	staged  *queue.Queue
	postErr error

	pipeRead  int
	pipeWrite int

	// Everything below is touched only by the dispatching goroutine.
	ioListeners      []*ioListener
	timers           timerHeap
	timerSeq         uint64
	refire           []*timerListener
	processListeners []*processListener
	signalListeners  map[ListenerKey]*signalListener

	readSet   unix.FdSet
	writeSet  unix.FdSet
	exceptSet unix.FdSet
	maxFd     int

	readBuf   []byte
	partial   int
	haveBadFd bool
}

// New creates a dispatcher and its wakeup pipe.
func New() (*Dispatcher, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating wakeup pipe: %w", err)
	}
	d := &Dispatcher{
		staged:          queue.New(),
		pipeRead:        fds[0],
		pipeWrite:       fds[1],
		signalListeners: make(map[ListenerKey]*signalListener),
		readBuf:         make([]byte, 64*pipeMessageSize),
	}
	d.rebuildFdSets()
	return d, nil
}

// Close releases the wakeup pipe. The dispatch loop must have returned.
func (d *Dispatcher) Close() error {
	err1 := unix.Close(d.pipeRead)
	err2 := unix.Close(d.pipeWrite)
	if err1 != nil {
		return err1
	}
	return err2
}

// newKeyLocked allocates the next listener key, skipping zero on wrap.
// Caller holds pipeMu.
func (d *Dispatcher) newKeyLocked() ListenerKey {
	d.lastKey++
	if d.lastKey == 0 {
		d.lastKey++
	}
	return d.lastKey
}

// writeMessageLocked writes one whole pipe record, retrying until all bytes
// are flushed. Caller holds pipeMu. Registration is fire-and-forget; an
// unrecoverable write error is remembered and surfaced by the dispatch loop.
func (d *Dispatcher) writeMessageLocked(cmd uint32, key ListenerKey, fd int, mask EventType) {
	var b [pipeMessageSize]byte
	putUint32(b[0:], cmd)
	putUint32(b[4:], uint32(key))
	putUint32(b[8:], uint32(int32(fd)))
	putUint32(b[12:], uint32(mask))
	for off := 0; off < pipeMessageSize; {
		n, err := unix.Write(d.pipeWrite, b[off:])
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			if d.postErr == nil {
				d.postErr = fmt.Errorf("writing wakeup pipe: %w", err)
			}
			return
		}
		off += n
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// AddIOEventListener registers interest in readiness conditions on fd.
// Registration is asynchronous: it takes effect when the dispatching
// goroutine next drains the wakeup pipe.
func (d *Dispatcher) AddIOEventListener(fd int, mask EventType, callback IOEventCallback, userData any) ListenerKey {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	key := d.newKeyLocked()
	d.staged.Add(&ioListener{key: key, fd: fd, mask: mask, callback: callback, userData: userData})
	d.writeMessageLocked(cmdAddIOListener, key, fd, mask)
	return key
}

// SetIOEventListenerEventTypeMask changes the conditions an I/O listener is
// subscribed to, asynchronously.
func (d *Dispatcher) SetIOEventListenerEventTypeMask(key ListenerKey, mask EventType) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdSetIOListenerMask, key, -1, mask)
}

// SetIOEventListenerEventTypeMaskFromCallback is the in-loop variant of
// SetIOEventListenerEventTypeMask. It must only be called from a listener
// callback (or otherwise on the dispatching goroutine); it takes effect
// immediately, with no pipe round trip.
func (d *Dispatcher) SetIOEventListenerEventTypeMaskFromCallback(key ListenerKey, mask EventType) {
	for _, il := range d.ioListeners {
		if il.key == key {
			il.mask = mask
			d.rebuildFdSets()
			return
		}
	}
}

// RemoveIOEventListener removes an I/O listener, asynchronously.
func (d *Dispatcher) RemoveIOEventListener(key ListenerKey) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdRemoveIOListener, key, -1, 0)
}

// AddTimerEventListener schedules a timer first firing at when. A zero
// interval marks a one-shot; a nonzero interval reschedules the timer at
// when+interval after each firing unless the callback cancels it.
func (d *Dispatcher) AddTimerEventListener(when time.Time, interval time.Duration, callback TimerCallback, userData any) ListenerKey {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	key := d.newKeyLocked()
	d.staged.Add(&timerListener{key: key, when: when, interval: interval, callback: callback, userData: userData})
	d.writeMessageLocked(cmdAddTimerListener, key, -1, 0)
	return key
}

// RemoveTimerEventListener cancels a timer, asynchronously.
func (d *Dispatcher) RemoveTimerEventListener(key ListenerKey) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdRemoveTimerListener, key, -1, 0)
}

// AddProcessListener registers a hook invoked once per dispatch pass, after
// all I/O and timer handling.
func (d *Dispatcher) AddProcessListener(callback ProcessCallback, userData any) ListenerKey {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	key := d.newKeyLocked()
	d.staged.Add(&processListener{key: key, callback: callback, userData: userData})
	d.writeMessageLocked(cmdAddProcessListener, key, -1, 0)
	return key
}

// RemoveProcessListener removes a per-pass hook, asynchronously.
func (d *Dispatcher) RemoveProcessListener(key ListenerKey) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdRemoveProcessListener, key, -1, 0)
}

// AddSignalListener registers a handler for opaque signals raised under the
// returned key.
func (d *Dispatcher) AddSignalListener(callback SignalCallback, userData any) ListenerKey {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	key := d.newKeyLocked()
	d.staged.Add(&signalListener{key: key, callback: callback, userData: userData})
	d.writeMessageLocked(cmdAddSignalListener, key, -1, 0)
	return key
}

// RemoveSignalListener removes a signal handler, asynchronously.
func (d *Dispatcher) RemoveSignalListener(key ListenerKey) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdRemoveSignalListener, key, -1, 0)
}

// Signal raises an opaque signal for the listener registered under key. The
// payload is delivered exactly once, in pipe order relative to this caller's
// other posts. Signals for unknown keys are dropped.
func (d *Dispatcher) Signal(key ListenerKey, data any) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.staged.Add(stagedSignal{key: key, data: data})
	d.writeMessageLocked(cmdSignal, key, -1, 0)
}

// Interrupt wakes a blocked dispatch pass with no other effect, forcing the
// loop to re-evaluate externally mutated state.
func (d *Dispatcher) Interrupt() {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdInterrupt, 0, -1, 0)
}

// Stop causes DispatchNextEvent to return false once the stop message is
// drained, ending DispatchEvents.
func (d *Dispatcher) Stop() {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	d.writeMessageLocked(cmdStop, 0, -1, 0)
}

// popStaged removes the next staged record. The wakeup pipe preserves write
// order, so the head of the staging queue always matches the message being
// processed.
func (d *Dispatcher) popStaged() any {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	v := d.staged.Peek()
	d.staged.Remove()
	return v
}

func (d *Dispatcher) takePostErr() error {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	err := d.postErr
	d.postErr = nil
	return err
}

// At most one dispatcher per process may hook SIGINT/SIGTERM.
var signalHookTaken atomic.Bool

// StopOnSignals routes SIGINT and SIGTERM to Stop. It fails if another
// dispatcher in this process already claimed the hook.
func (d *Dispatcher) StopOnSignals() error {
	if !signalHookTaken.CompareAndSwap(false, true) {
		return errors.New("process signals already routed to a dispatcher")
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, unix.SIGTERM)
	go func() {
		<-ch
		d.Stop()
	}()
	return nil
}
