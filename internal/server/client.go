package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/vtrack/vtrackd/internal/dispatch"
	"github.com/vtrack/vtrackd/internal/logger"
	"github.com/vtrack/vtrackd/internal/protocol"
)

// clientState is the per-connection protocol state machine position.
type clientState int

const (
	stateStart clientState = iota
	stateConnected
	stateActive
	stateStreaming
)

func (st clientState) String() string {
	switch st {
	case stateStart:
		return "start"
	case stateConnected:
		return "connected"
	case stateActive:
		return "active"
	case stateStreaming:
		return "streaming"
	}
	return "unknown"
}

// errClientGone marks a clean client-initiated disconnect.
var errClientGone = errors.New("client disconnected")

const readBufferSize = 1024

// client is one connection. All fields are owned by the dispatching
// goroutine; nothing here needs a lock.
type client struct {
	srv  *Server
	fd   int
	addr string
	key  dispatch.ListenerKey

	state             clientState
	version           uint32
	expectsTimeStamps bool
	expectsValidFlags bool
	active            bool
	streaming         bool
	closed            bool

	rbuf []byte
	rlen int

	out protocol.Buffer
	// Outbound data the socket would not take; drained on write readiness.
	pendingHead []byte
	pending     *queue.Queue
}

func newClient(s *Server, fd int, addr string) *client {
	return &client{
		srv:     s,
		fd:      fd,
		addr:    addr,
		state:   stateStart,
		rbuf:    make([]byte, readBufferSize),
		pending: queue.New(),
	}
}

// ioReady handles readiness on the client socket. Returning true removes
// this listener; every teardown path goes through dropClient first.
func (c *client) ioReady(ev dispatch.IOEvent) bool {
	if c.closed {
		return true
	}
	if ev.Events&dispatch.Write != 0 {
		if err := c.drainPending(); err != nil {
			c.srv.dropClient(c, err, false)
			return true
		}
	}
	if ev.Events&dispatch.Read != 0 {
		eof, err := c.fill()
		if err != nil {
			c.srv.dropClient(c, err, false)
			return true
		}
		if err := c.processIncoming(); err != nil {
			if errors.Is(err, errClientGone) {
				c.srv.dropClient(c, nil, false)
			} else {
				c.srv.dropClient(c, err, false)
			}
			return true
		}
		if eof {
			c.srv.dropClient(c, nil, false)
			return true
		}
	}
	return c.closed
}

// fill reads whatever the socket has. A zero-byte read is EOF; it is
// reported after any complete messages already buffered are processed.
func (c *client) fill() (eof bool, err error) {
	for {
		if c.rlen == len(c.rbuf) {
			return false, fmt.Errorf("client %s overran the %d byte request buffer", c.addr, len(c.rbuf))
		}
		n, rerr := unix.Read(c.fd, c.rbuf[c.rlen:])
		if rerr != nil {
			if rerr == unix.EINTR {
				continue
			}
			if rerr == unix.EAGAIN {
				return false, nil
			}
			return false, fmt.Errorf("reading from client %s: %w", c.addr, rerr)
		}
		if n == 0 {
			return true, nil
		}
		c.rlen += n
	}
}

// processIncoming consumes every complete message in the read buffer.
func (c *client) processIncoming() error {
	for !c.closed {
		if c.rlen < 2 {
			return nil
		}
		id := protocol.MessageID(binary.LittleEndian.Uint16(c.rbuf))
		size, ok := protocol.RequestSize(id, c.version)
		if !ok {
			return fmt.Errorf("client %s sent non-request message %v", c.addr, id)
		}
		if c.rlen < 2+size {
			return nil
		}
		body := c.rbuf[2 : 2+size]
		err := c.handleMessage(id, body)
		copy(c.rbuf, c.rbuf[2+size:c.rlen])
		c.rlen -= 2 + size
		if err != nil {
			return err
		}
	}
	return nil
}

// handleMessage advances the protocol state machine by one message. Any
// message not legal in the current state is a protocol error and
// disconnects this client only.
func (c *client) handleMessage(id protocol.MessageID, body []byte) error {
	switch c.state {
	case stateStart:
		if id != protocol.ConnectRequest {
			return fmt.Errorf("client %s sent %v before connecting", c.addr, id)
		}
		return c.handleConnect(binary.LittleEndian.Uint32(body))

	case stateConnected:
		switch id {
		case protocol.ActivateRequest:
			c.srv.activateClient(c)
			c.state = stateActive
			return nil
		case protocol.DisconnectRequest:
			return errClientGone
		}

	case stateActive:
		switch id {
		case protocol.PacketRequest:
			return c.sendPacket()
		case protocol.StartStreamRequest:
			if err := c.sendPacket(); err != nil {
				return err
			}
			c.streaming = true
			c.state = stateStreaming
			c.srv.numStreamingClients++
			c.srv.met.SetStreaming(c.srv.numStreamingClients)
			logger.Debugf("client %s streaming (protocol %d)", c.addr, c.version)
			return nil
		case protocol.PowerOffRequest:
			return c.handlePowerOff(body)
		case protocol.HapticTickRequest:
			return c.handleHapticTick(body)
		case protocol.DeactivateRequest:
			c.srv.deactivateClient(c)
			c.state = stateConnected
			return nil
		}

	case stateStreaming:
		switch id {
		case protocol.StopStreamRequest:
			c.out.Reset()
			c.out.PutMessageID(protocol.StopStreamReply)
			if err := c.flushOut(); err != nil {
				return err
			}
			c.streaming = false
			c.state = stateActive
			c.srv.numStreamingClients--
			c.srv.met.SetStreaming(c.srv.numStreamingClients)
			return nil
		case protocol.PacketRequest:
			// Legal overlap with streaming; the stream already covers it.
			return nil
		case protocol.PowerOffRequest:
			return c.handlePowerOff(body)
		case protocol.HapticTickRequest:
			return c.handleHapticTick(body)
		}
	}
	return fmt.Errorf("client %s sent %v in state %v", c.addr, id, c.state)
}

// handleConnect negotiates the protocol version and sends the layout plus
// every section the negotiated version unlocks.
func (c *client) handleConnect(requested uint32) error {
	c.version = requested
	if c.version > protocol.Version {
		c.version = protocol.Version
	}
	c.expectsTimeStamps = c.version >= protocol.VersionTimeStamps
	c.expectsValidFlags = c.version >= protocol.VersionTimeStamps

	c.out.Reset()
	protocol.AppendConnectReply(&c.out, c.srv.connectInfo(c.version))
	if err := c.flushOut(); err != nil {
		return err
	}
	c.state = stateConnected
	logger.Infof("client %s negotiated protocol version %d (requested %d)", c.addr, c.version, requested)
	return nil
}

func (c *client) handlePowerOff(body []byte) error {
	if c.version < protocol.VersionPowerHapticFeatures {
		return fmt.Errorf("client %s (protocol %d) sent PowerOffRequest", c.addr, c.version)
	}
	feature := int(binary.LittleEndian.Uint16(body))
	if err := c.srv.mgr.PowerOff(feature); err != nil {
		logger.Warnf("power off request from %s failed: %v", c.addr, err)
	}
	return nil
}

func (c *client) handleHapticTick(body []byte) error {
	if c.version < protocol.VersionPowerHapticFeatures {
		return fmt.Errorf("client %s (protocol %d) sent HapticTickRequest", c.addr, c.version)
	}
	feature := int(binary.LittleEndian.Uint16(body[0:2]))
	duration := time.Duration(binary.LittleEndian.Uint16(body[2:4])) * time.Millisecond
	var frequency uint16
	amplitude := uint8(255)
	if c.version >= protocol.VersionHapticWaveform {
		frequency = binary.LittleEndian.Uint16(body[4:6])
		amplitude = body[6]
	}
	if err := c.srv.mgr.HapticTick(feature, duration, frequency, amplitude); err != nil {
		logger.Warnf("haptic tick request from %s failed: %v", c.addr, err)
	}
	return nil
}

// sendPacket writes one full state snapshot.
func (c *client) sendPacket() error {
	snapshot := c.srv.snapshotState()
	c.out.Reset()
	protocol.AppendPacketReply(&c.out, snapshot, c.expectsTimeStamps, c.expectsValidFlags)
	return c.flushOut()
}

// flushOut writes the batched messages in c.out in one burst.
func (c *client) flushOut() error {
	return c.send(c.out.Bytes())
}

// send writes data, queueing whatever the nonblocking socket will not take
// and enabling write-readiness to drain it later. Ordering is preserved: as
// long as anything is queued, new data goes to the back of the queue.
func (c *client) send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(c.pendingHead) > 0 || c.pending.Length() > 0 {
		c.pending.Add(append([]byte(nil), data...))
		return nil
	}
	n, err := c.writeSome(data)
	c.srv.met.BytesSent(n)
	if err != nil {
		return err
	}
	if n < len(data) {
		c.pendingHead = append([]byte(nil), data[n:]...)
		c.srv.dispatcher.SetIOEventListenerEventTypeMaskFromCallback(c.key, dispatch.Read|dispatch.Write)
	}
	return nil
}

// drainPending flushes queued output on write readiness, dropping write
// interest once everything is out.
func (c *client) drainPending() error {
	for {
		if len(c.pendingHead) == 0 {
			if c.pending.Length() == 0 {
				c.srv.dispatcher.SetIOEventListenerEventTypeMaskFromCallback(c.key, dispatch.Read)
				return nil
			}
			c.pendingHead = c.pending.Peek().([]byte)
			c.pending.Remove()
		}
		n, err := c.writeSome(c.pendingHead)
		c.srv.met.BytesSent(n)
		if err != nil {
			return err
		}
		c.pendingHead = c.pendingHead[n:]
		if len(c.pendingHead) > 0 {
			// Socket is full again; wait for the next readiness.
			return nil
		}
	}
}

// writeSome writes as much as the socket takes, returning short on EAGAIN.
func (c *client) writeSome(data []byte) (int, error) {
	off := 0
	for off < len(data) {
		n, err := unix.Write(c.fd, data[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return off, nil
			}
			return off, fmt.Errorf("writing to client %s: %w", c.addr, err)
		}
		off += n
	}
	return off, nil
}
