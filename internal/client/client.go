// Package client implements the device distribution protocol from the
// consumer side: version negotiation, state polling and streaming. It backs
// the dump command and the end-to-end tests.
package client

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vtrack/vtrackd/internal/device"
	"github.com/vtrack/vtrackd/internal/protocol"
)

// StreamHandler receives streamed updates on the client's reader goroutine.
// Unset callbacks are skipped.
type StreamHandler struct {
	OnPacket   func(state *device.State)
	OnTracker  func(index int, state device.TrackerState, timeStamp uint32, valid bool)
	OnButton   func(index int, pressed bool)
	OnValuator func(index int, value float32)
	OnBattery  func(index int, state device.BatteryState)
	OnHMD      func(index int, config device.HMDConfiguration)
	OnError    func(err error)
}

// Client is one connection to a device distribution server.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	info protocol.ConnectInfo

	writeMu sync.Mutex

	streaming bool
	stopped   chan struct{}
}

// Connect dials the server and negotiates min(requestVersion, server max).
func Connect(addr string, requestVersion uint32, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c := &Client{conn: conn, br: bufio.NewReader(conn)}

	if err := c.sendRequest(protocol.ConnectRequest, func(w *protocol.Buffer) {
		w.PutUint32(requestVersion)
	}); err != nil {
		conn.Close()
		return nil, err
	}

	dec := protocol.NewDecoder(c.br)
	if id := dec.MessageID(); dec.Err() != nil || id != protocol.ConnectReply {
		conn.Close()
		if dec.Err() != nil {
			return nil, fmt.Errorf("reading connect reply: %w", dec.Err())
		}
		return nil, fmt.Errorf("expected connect reply, got %v", id)
	}
	info, err := protocol.ReadConnectReply(dec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect reply: %w", err)
	}
	if info.Version > requestVersion || info.Version > protocol.Version {
		conn.Close()
		return nil, fmt.Errorf("server negotiated implausible version %d", info.Version)
	}
	c.info = info
	return c, nil
}

// Info returns everything the connect reply carried.
func (c *Client) Info() protocol.ConnectInfo { return c.info }

// Version returns the negotiated protocol version.
func (c *Client) Version() uint32 { return c.info.Version }

func (c *Client) expectsTimeStamps() bool {
	return c.info.Version >= protocol.VersionTimeStamps
}

func (c *Client) sendRequest(id protocol.MessageID, body func(w *protocol.Buffer)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var w protocol.Buffer
	w.PutMessageID(id)
	if body != nil {
		body(&w)
	}
	if _, err := c.conn.Write(w.Bytes()); err != nil {
		return fmt.Errorf("sending %v: %w", id, err)
	}
	return nil
}

// Activate asks the server to start device sampling on this connection's
// behalf.
func (c *Client) Activate() error {
	return c.sendRequest(protocol.ActivateRequest, nil)
}

// Deactivate returns the connection to the connected state.
func (c *Client) Deactivate() error {
	return c.sendRequest(protocol.DeactivateRequest, nil)
}

// RequestPacket polls one full state snapshot. Not legal while streaming;
// the stream owns the socket's read side then.
func (c *Client) RequestPacket() (*device.State, error) {
	if c.streaming {
		return nil, fmt.Errorf("packet polling is unavailable while streaming")
	}
	if err := c.sendRequest(protocol.PacketRequest, nil); err != nil {
		return nil, err
	}
	dec := protocol.NewDecoder(c.br)
	if id := dec.MessageID(); dec.Err() != nil || id != protocol.PacketReply {
		if dec.Err() != nil {
			return nil, fmt.Errorf("reading packet reply: %w", dec.Err())
		}
		return nil, fmt.Errorf("expected packet reply, got %v", id)
	}
	return protocol.ReadPacketReply(dec, c.info.Layout, c.expectsTimeStamps(), c.expectsTimeStamps())
}

// StartStream requests streaming and spawns the reader goroutine delivering
// updates to h. The first delivery is the full snapshot the server sends on
// stream start.
func (c *Client) StartStream(h StreamHandler) error {
	if c.streaming {
		return fmt.Errorf("already streaming")
	}
	if err := c.sendRequest(protocol.StartStreamRequest, nil); err != nil {
		return err
	}
	c.streaming = true
	c.stopped = make(chan struct{})
	go c.readStream(h)
	return nil
}

// StopStream asks the server to stop and waits for its reply to drain
// through the reader goroutine.
func (c *Client) StopStream(timeout time.Duration) error {
	if !c.streaming {
		return fmt.Errorf("not streaming")
	}
	if err := c.sendRequest(protocol.StopStreamRequest, nil); err != nil {
		return err
	}
	select {
	case <-c.stopped:
		c.streaming = false
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no stop-stream reply within %v", timeout)
	}
}

// PowerOff requests powering down a device; requires protocol version 6.
func (c *Client) PowerOff(featureIndex int) error {
	if c.info.Version < protocol.VersionPowerHapticFeatures {
		return fmt.Errorf("power off requires protocol version %d, have %d",
			protocol.VersionPowerHapticFeatures, c.info.Version)
	}
	return c.sendRequest(protocol.PowerOffRequest, func(w *protocol.Buffer) {
		w.PutUint16(uint16(featureIndex))
	})
}

// HapticTick requests a haptic pulse; requires protocol version 6. The
// frequency and amplitude only travel under version 8.
func (c *Client) HapticTick(featureIndex int, duration time.Duration, frequency uint16, amplitude uint8) error {
	if c.info.Version < protocol.VersionPowerHapticFeatures {
		return fmt.Errorf("haptic ticks require protocol version %d, have %d",
			protocol.VersionPowerHapticFeatures, c.info.Version)
	}
	return c.sendRequest(protocol.HapticTickRequest, func(w *protocol.Buffer) {
		w.PutUint16(uint16(featureIndex))
		w.PutUint16(uint16(duration / time.Millisecond))
		if c.info.Version >= protocol.VersionHapticWaveform {
			w.PutUint16(frequency)
			w.PutUint8(amplitude)
		}
	})
}

// Disconnect performs a graceful teardown from the connected state.
func (c *Client) Disconnect() error {
	err := c.sendRequest(protocol.DisconnectRequest, nil)
	c.conn.Close()
	return err
}

// Close drops the connection without protocol niceties.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readStream(h StreamHandler) {
	defer close(c.stopped)
	for {
		dec := protocol.NewDecoder(c.br)
		id := dec.MessageID()
		if dec.Err() != nil {
			if h.OnError != nil {
				h.OnError(dec.Err())
			}
			return
		}
		switch id {
		case protocol.PacketReply:
			state, err := protocol.ReadPacketReply(dec, c.info.Layout, c.expectsTimeStamps(), c.expectsTimeStamps())
			if err != nil {
				if h.OnError != nil {
					h.OnError(err)
				}
				return
			}
			if h.OnPacket != nil {
				h.OnPacket(state)
			}
		case protocol.TrackerUpdate:
			index := int(dec.Uint16())
			state := protocol.ReadTrackerState(dec)
			stamp := dec.Uint32()
			valid := dec.Bool()
			if dec.Err() == nil && h.OnTracker != nil {
				h.OnTracker(index, state, stamp, valid)
			}
		case protocol.ButtonUpdate:
			index := int(dec.Uint16())
			pressed := dec.Bool()
			if dec.Err() == nil && h.OnButton != nil {
				h.OnButton(index, pressed)
			}
		case protocol.ValuatorUpdate:
			index := int(dec.Uint16())
			value := dec.Float32()
			if dec.Err() == nil && h.OnValuator != nil {
				h.OnValuator(index, value)
			}
		case protocol.BatteryStateUpdate:
			index := int(dec.Uint16())
			state := protocol.ReadBatteryState(dec)
			if dec.Err() == nil && h.OnBattery != nil {
				h.OnBattery(index, state)
			}
		case protocol.HMDConfigUpdate:
			index := int(dec.Uint16())
			config := protocol.ReadHMDConfiguration(dec)
			if dec.Err() == nil && h.OnHMD != nil {
				h.OnHMD(index, config)
			}
		case protocol.StopStreamReply:
			return
		default:
			if h.OnError != nil {
				h.OnError(fmt.Errorf("unexpected message %v while streaming", id))
			}
			return
		}
		if err := dec.Err(); err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
	}
}
