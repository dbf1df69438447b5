// Package server implements the VR device distribution server: it accepts
// client connections on a listening socket, negotiates a protocol version
// per client, and fans out versioned device state to streaming clients. All
// connection handling runs on one reactor; device drivers feed state in
// from their own goroutines through the Sink interface.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vtrack/vtrackd/internal/device"
	"github.com/vtrack/vtrackd/internal/dispatch"
	"github.com/vtrack/vtrackd/internal/logger"
	"github.com/vtrack/vtrackd/internal/metrics"
	"github.com/vtrack/vtrackd/internal/protocol"
)

// Config holds the listening socket parameters.
type Config struct {
	BindAddress string
	Port        int
	Backlog     int
}

// Server distributes device state to protocol clients over one dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	mgr        device.Manager
	met        *metrics.Metrics

	listenFd  int
	listenKey dispatch.ListenerKey
	statusKey dispatch.ListenerKey
	addr      string

	// Device state mirror, written by driver goroutines, read by the
	// fan-out on the dispatching goroutine.
	stateMu              sync.Mutex
	state                *device.State
	stateVersion         uint32
	streamedStateVersion uint32
	pendingTrackers      []bool
	pendingButtons       []bool
	pendingValuators     []bool
	havePending          bool

	batteryMu               sync.Mutex
	batteryStates           []device.BatteryState
	batteryVersions         []uint32
	streamedBatteryVersions []uint32

	hmdMu               sync.Mutex
	hmdConfigurations   []device.HMDConfiguration
	hmdVersions         []uint32
	streamedHMDVersions []uint32

	// Dispatching-goroutine-only connection bookkeeping.
	clients             []*client
	numActiveClients    int
	numStreamingClients int
}

// New builds a server on an existing dispatcher, opens the listening socket
// and registers it. The metrics sink may be nil.
func New(cfg Config, mgr device.Manager, dispatcher *dispatch.Dispatcher, met *metrics.Metrics) (*Server, error) {
	layout := mgr.Layout()
	s := &Server{
		dispatcher:       dispatcher,
		mgr:              mgr,
		met:              met,
		state:            device.NewState(layout),
		pendingTrackers:  make([]bool, layout.NumTrackers),
		pendingButtons:   make([]bool, layout.NumButtons),
		pendingValuators: make([]bool, layout.NumValuators),
	}

	n := mgr.NumBatteryStates()
	s.batteryStates = make([]device.BatteryState, n)
	for i := range s.batteryStates {
		s.batteryStates[i] = device.BatteryState{Percent: 100}
	}
	s.batteryVersions = make([]uint32, n)
	s.streamedBatteryVersions = make([]uint32, n)

	s.hmdConfigurations = make([]device.HMDConfiguration, mgr.NumHMDConfigurations())
	if src, ok := mgr.(interface {
		HMDConfigurations() []device.HMDConfiguration
	}); ok {
		copy(s.hmdConfigurations, src.HMDConfigurations())
	}
	s.hmdVersions = make([]uint32, len(s.hmdConfigurations))
	s.streamedHMDVersions = make([]uint32, len(s.hmdConfigurations))

	if err := s.listen(cfg); err != nil {
		return nil, err
	}
	s.listenKey = dispatcher.AddIOEventListener(s.listenFd, dispatch.Read, s.acceptReady, nil)
	s.statusKey = dispatcher.AddSignalListener(s.statusRequested, nil)
	return s, nil
}

func (s *Server) listen(cfg Config) error {
	addr := [4]byte{}
	if cfg.BindAddress != "" && cfg.BindAddress != "0.0.0.0" {
		ip := net.ParseIP(cfg.BindAddress)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid bind address %q", cfg.BindAddress)
		}
		copy(addr[:], ip.To4())
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 16
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating listening socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: cfg.Port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("binding to %s:%d: %w", cfg.BindAddress, cfg.Port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listening: %w", err)
	}

	local, err := unix.Getsockname(fd)
	if err == nil {
		if in4, ok := local.(*unix.SockaddrInet4); ok {
			s.addr = fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]).String(), in4.Port)
		}
	}
	s.listenFd = fd
	return nil
}

// Addr returns the bound listening address, useful when the configured port
// was zero.
func (s *Server) Addr() string { return s.addr }

// Run pumps the dispatcher and pushes pending state updates to streaming
// clients after every pass. It returns after Stop, or with the dispatcher's
// fatal error.
func (s *Server) Run() error {
	logger.Infof("device server listening on %s, protocol version %d", s.addr, protocol.Version)
	for {
		more, err := s.dispatcher.DispatchNextEvent()
		if err != nil {
			return err
		}
		if !more {
			s.shutdown()
			return nil
		}
		s.flushUpdates()
	}
}

// Stop ends Run from any goroutine.
func (s *Server) Stop() { s.dispatcher.Stop() }

func (s *Server) shutdown() {
	logger.Infof("device server shutting down, dropping %d clients", len(s.clients))
	for len(s.clients) > 0 {
		s.dropClient(s.clients[0], nil, false)
	}
	unix.Close(s.listenFd)
}

// acceptReady accepts exactly one pending connection; the listening socket
// re-triggers on the next pass while more are queued.
func (s *Server) acceptReady(dispatch.IOEvent) bool {
	nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR && err != unix.ECONNABORTED {
			logger.Errorf("accepting connection: %v", err)
		}
		return false
	}
	addr := "?"
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		addr = fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]).String(), in4.Port)
	}
	c := newClient(s, nfd, addr)
	c.key = s.dispatcher.AddIOEventListener(nfd, dispatch.Read, c.ioReady, nil)
	s.clients = append(s.clients, c)
	s.met.ClientAccepted()
	logger.Infof("client %s connected", addr)
	return false
}

// activateClient is called on the first ActivateRequest of a client; device
// sampling starts when the active count leaves zero.
func (s *Server) activateClient(c *client) {
	c.active = true
	s.numActiveClients++
	s.met.SetActive(s.numActiveClients)
	if s.numActiveClients == 1 {
		logger.Info("first client activated, starting device sampling")
		s.mgr.Start()
	}
}

func (s *Server) deactivateClient(c *client) {
	c.active = false
	s.numActiveClients--
	s.met.SetActive(s.numActiveClients)
	if s.numActiveClients == 0 {
		logger.Info("last client deactivated, stopping device sampling")
		s.mgr.Stop()
	}
}

// dropClient tears down one client without affecting the others. With
// removeListener false the caller's I/O callback deregisters itself by
// returning true instead.
func (s *Server) dropClient(c *client, cause error, removeListener bool) {
	if c.closed {
		return
	}
	c.closed = true

	if c.streaming {
		c.streaming = false
		s.numStreamingClients--
		s.met.SetStreaming(s.numStreamingClients)
	}
	if c.active {
		s.deactivateClient(c)
	}
	if removeListener {
		s.dispatcher.RemoveIOEventListener(c.key)
	}
	unix.Close(c.fd)

	for i, other := range s.clients {
		if other == c {
			last := len(s.clients) - 1
			s.clients[i] = s.clients[last]
			s.clients[last] = nil
			s.clients = s.clients[:last]
			break
		}
	}

	switch {
	case cause == nil:
		s.met.ClientDisconnected("client")
		logger.Infof("client %s disconnected", c.addr)
	default:
		s.met.ClientDisconnected("error")
		logger.Warnf("disconnecting client %s: %v", c.addr, cause)
	}
}

// connectInfo assembles the connect reply contents for a negotiated version.
func (s *Server) connectInfo(version uint32) protocol.ConnectInfo {
	info := protocol.ConnectInfo{
		Version:           version,
		VirtualDevices:    s.mgr.VirtualDevices(),
		NumPowerFeatures:  uint32(s.mgr.NumPowerFeatures()),
		NumHapticFeatures: uint32(s.mgr.NumHapticFeatures()),
	}
	s.stateMu.Lock()
	info.Layout = s.state.Layout()
	s.stateMu.Unlock()
	if version >= protocol.VersionHMDConfigurations {
		s.hmdMu.Lock()
		info.HMDConfigurations = append([]device.HMDConfiguration(nil), s.hmdConfigurations...)
		s.hmdMu.Unlock()
	}
	if version >= protocol.VersionBatteryStates {
		s.batteryMu.Lock()
		info.BatteryStates = append([]device.BatteryState(nil), s.batteryStates...)
		s.batteryMu.Unlock()
	}
	return info
}

// snapshotState copies the shared state under the lock.
func (s *Server) snapshotState() *device.State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state.Clone()
}

// Status is a point-in-time summary, served through the control socket.
type Status struct {
	Address         string         `json:"address"`
	ProtocolVersion uint32         `json:"protocol_version"`
	Layout          device.Layout  `json:"layout"`
	StateVersion    uint32         `json:"state_version"`
	NumClients      int            `json:"num_clients"`
	NumActive       int            `json:"num_active"`
	NumStreaming    int            `json:"num_streaming"`
	Clients         []ClientStatus `json:"clients"`
}

// ClientStatus describes one connection.
type ClientStatus struct {
	Address         string `json:"address"`
	State           string `json:"state"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

// statusRequested runs on the dispatching goroutine; the signal payload is
// the reply channel.
func (s *Server) statusRequested(ev dispatch.SignalEvent) bool {
	ch, ok := ev.Data.(chan Status)
	if !ok {
		logger.Errorf("status signal carried unexpected payload %T", ev.Data)
		return false
	}
	s.stateMu.Lock()
	version := s.stateVersion
	layout := s.state.Layout()
	s.stateMu.Unlock()
	st := Status{
		Address:         s.addr,
		ProtocolVersion: protocol.Version,
		Layout:          layout,
		StateVersion:    version,
		NumClients:      len(s.clients),
		NumActive:       s.numActiveClients,
		NumStreaming:    s.numStreamingClients,
	}
	for _, c := range s.clients {
		st.Clients = append(st.Clients, ClientStatus{
			Address:         c.addr,
			State:           c.state.String(),
			ProtocolVersion: c.version,
		})
	}
	select {
	case ch <- st:
	default:
	}
	return false
}

// QueryStatus requests a status snapshot from the dispatching goroutine and
// is safe to call from any goroutine.
func (s *Server) QueryStatus(timeout time.Duration) (Status, error) {
	ch := make(chan Status, 1)
	s.dispatcher.Signal(s.statusKey, ch)
	select {
	case st := <-ch:
		return st, nil
	case <-time.After(timeout):
		return Status{}, fmt.Errorf("status query timed out after %v", timeout)
	}
}

// PowerOff forwards a power-off request to the device manager; callable from
// any goroutine.
func (s *Server) PowerOff(featureIndex int) error {
	return s.mgr.PowerOff(featureIndex)
}
