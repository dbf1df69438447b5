package dispatch

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vtrack/vtrackd/internal/logger"
)

// DispatchNextEvent blocks until something is ready and handles exactly one
// round of due timers, pipe messages, ready descriptors and process
// listeners. It returns false, nil after a Stop message; an error means the
// loop cannot continue.
func (d *Dispatcher) DispatchNextEvent() (bool, error) {
	if err := d.takePostErr(); err != nil {
		return false, err
	}

	// Fire due timers and derive the select timeout from the earliest
	// remaining one. Periodic timers catch up past missed periods without
	// replaying their callbacks; their next trigger time is strictly in
	// the future afterwards. A zero-interval timer whose callback does not
	// cancel refires on the next pass.
	now := time.Now()
	var timeout *unix.Timeval
	immediate := false
	for d.timers.Len() > 0 {
		tl := d.timers.items[0]
		if tl.when.After(now) {
			tv := unix.NsecToTimeval(int64(tl.when.Sub(now)))
			timeout = &tv
			break
		}
		heap.Pop(&d.timers)
		if tl.callback(TimerEvent{Key: tl.key, Time: tl.when, UserData: tl.userData}) {
			continue
		}
		if tl.interval > 0 {
			for !tl.when.After(now) {
				tl.when = tl.when.Add(tl.interval)
			}
			heap.Push(&d.timers, tl)
		} else {
			immediate = true
			d.refire = append(d.refire, tl)
		}
	}
	for _, tl := range d.refire {
		heap.Push(&d.timers, tl)
	}
	d.refire = d.refire[:0]
	if immediate {
		timeout = &unix.Timeval{}
	}

	// After select reported a bad descriptor, listen on the wakeup pipe
	// alone until a removal message clears the stale listener.
	var readSet, writeSet, exceptSet unix.FdSet
	nfds := d.pipeRead + 1
	if d.haveBadFd {
		readSet.Set(d.pipeRead)
	} else {
		readSet = d.readSet
		writeSet = d.writeSet
		exceptSet = d.exceptSet
		nfds = d.maxFd + 1
	}

	numReady, err := unix.Select(nfds, &readSet, &writeSet, &exceptSet, timeout)
	if err != nil {
		switch err {
		case unix.EINTR:
			numReady = 0
			readSet.Zero()
			writeSet.Zero()
			exceptSet.Zero()
		case unix.EBADF:
			logger.Warn("select reported a bad file descriptor; listening on wakeup pipe only until it is removed")
			d.haveBadFd = true
			return true, nil
		default:
			return false, fmt.Errorf("waiting for events: %w", err)
		}
	}

	if numReady > 0 && readSet.IsSet(d.pipeRead) {
		stop, err := d.drainPipe()
		if err != nil {
			return false, err
		}
		if stop {
			return false, nil
		}
		numReady--
	}

	if numReady > 0 {
		d.deliverIOEvents(&readSet, &writeSet, &exceptSet)
	}

	// Process listeners run on every pass, after I/O and timer handling.
	// Removal swaps with the back; iteration order is not stable.
	for i := 0; i < len(d.processListeners); {
		pl := d.processListeners[i]
		if pl.callback(ProcessEvent{Key: pl.key, UserData: pl.userData}) {
			last := len(d.processListeners) - 1
			d.processListeners[i] = d.processListeners[last]
			d.processListeners = d.processListeners[:last]
		} else {
			i++
		}
	}

	return true, nil
}

// DispatchEvents runs DispatchNextEvent until Stop is processed or an
// unrecoverable error occurs.
func (d *Dispatcher) DispatchEvents() error {
	for {
		more, err := d.DispatchNextEvent()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (d *Dispatcher) deliverIOEvents(readSet, writeSet, exceptSet *unix.FdSet) {
	for i := 0; i < len(d.ioListeners); {
		il := d.ioListeners[i]
		var events EventType
		if readSet.IsSet(il.fd) {
			events |= Read
		}
		if writeSet.IsSet(il.fd) {
			events |= Write
		}
		if exceptSet.IsSet(il.fd) {
			events |= Exception
		}
		if events == 0 {
			i++
			continue
		}
		if spurious := events &^ il.mask; spurious != 0 {
			logger.Warnf("spurious events 0x%x on fd %d (subscribed 0x%x)", uint32(spurious), il.fd, uint32(il.mask))
		}
		events &= il.mask
		remove := false
		if events != 0 {
			remove = il.callback(IOEvent{Key: il.key, Fd: il.fd, Events: events, UserData: il.userData})
		}
		if remove {
			d.removeIOListenerAt(i)
		} else {
			i++
		}
	}
}

// drainPipe reads and processes all complete pipe messages. Reads may split
// a record; trailing partial bytes are carried to the buffer front so record
// boundaries never desynchronize.
func (d *Dispatcher) drainPipe() (stop bool, err error) {
	for {
		n, rerr := unix.Read(d.pipeRead, d.readBuf[d.partial:])
		if rerr != nil {
			if rerr == unix.EINTR {
				continue
			}
			if rerr == unix.EAGAIN {
				return stop, nil
			}
			return stop, fmt.Errorf("reading wakeup pipe: %w", rerr)
		}
		if n == 0 {
			return stop, nil
		}
		total := d.partial + n
		off := 0
		for total-off >= pipeMessageSize {
			if d.processMessage(d.readBuf[off : off+pipeMessageSize]) {
				stop = true
			}
			off += pipeMessageSize
		}
		d.partial = total - off
		if d.partial > 0 {
			copy(d.readBuf, d.readBuf[off:total])
		}
	}
}

// processMessage applies one pipe record to the listener collections. It
// returns true for a stop message.
func (d *Dispatcher) processMessage(b []byte) bool {
	cmd := getUint32(b[0:])
	key := ListenerKey(getUint32(b[4:]))
	mask := EventType(getUint32(b[12:]))

	switch cmd {
	case cmdInterrupt:
		// wakeup only

	case cmdStop:
		return true

	case cmdAddIOListener:
		il := d.popStaged().(*ioListener)
		d.ioListeners = append(d.ioListeners, il)
		d.rebuildFdSets()

	case cmdSetIOListenerMask:
		for _, il := range d.ioListeners {
			if il.key == key {
				il.mask = mask
				d.rebuildFdSets()
				break
			}
		}

	case cmdRemoveIOListener:
		for i, il := range d.ioListeners {
			if il.key == key {
				d.removeIOListenerAt(i)
				break
			}
		}
		// An explicit removal is the expected exit from bad-descriptor
		// recovery.
		d.haveBadFd = false

	case cmdAddTimerListener:
		tl := d.popStaged().(*timerListener)
		d.timerSeq++
		tl.seq = d.timerSeq
		heap.Push(&d.timers, tl)

	case cmdRemoveTimerListener:
		if i := d.timers.indexOf(key); i >= 0 {
			heap.Remove(&d.timers, i)
		}

	case cmdAddProcessListener:
		pl := d.popStaged().(*processListener)
		d.processListeners = append(d.processListeners, pl)

	case cmdRemoveProcessListener:
		for i, pl := range d.processListeners {
			if pl.key == key {
				last := len(d.processListeners) - 1
				d.processListeners[i] = d.processListeners[last]
				d.processListeners = d.processListeners[:last]
				break
			}
		}

	case cmdAddSignalListener:
		sl := d.popStaged().(*signalListener)
		d.signalListeners[sl.key] = sl

	case cmdRemoveSignalListener:
		delete(d.signalListeners, key)

	case cmdSignal:
		ss := d.popStaged().(stagedSignal)
		if sl, ok := d.signalListeners[ss.key]; ok {
			if sl.callback(SignalEvent{Key: sl.key, Data: ss.data, UserData: sl.userData}) {
				delete(d.signalListeners, sl.key)
			}
		} else {
			logger.Debugf("dropping signal for unknown listener key %d", ss.key)
		}

	default:
		logger.Errorf("unknown wakeup pipe command %d", cmd)
	}
	return false
}

// removeIOListenerAt drops the listener at index i, swapping with the back.
func (d *Dispatcher) removeIOListenerAt(i int) {
	last := len(d.ioListeners) - 1
	d.ioListeners[i] = d.ioListeners[last]
	d.ioListeners[last] = nil
	d.ioListeners = d.ioListeners[:last]
	d.rebuildFdSets()
}

// rebuildFdSets recomputes the interest sets from the listener list. The
// wakeup pipe's read end is always watched. Multiple listeners may share a
// descriptor; the sets hold the union of their masks.
func (d *Dispatcher) rebuildFdSets() {
	d.readSet.Zero()
	d.writeSet.Zero()
	d.exceptSet.Zero()
	d.readSet.Set(d.pipeRead)
	d.maxFd = d.pipeRead
	for _, il := range d.ioListeners {
		if il.mask&Read != 0 {
			d.readSet.Set(il.fd)
		}
		if il.mask&Write != 0 {
			d.writeSet.Set(il.fd)
		}
		if il.mask&Exception != 0 {
			d.exceptSet.Set(il.fd)
		}
		if il.fd > d.maxFd {
			d.maxFd = il.fd
		}
	}
}
