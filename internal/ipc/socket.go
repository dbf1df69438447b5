package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/vtrack/vtrackd/internal/logger"
)

// SocketServer handles incoming control connections.
type SocketServer struct {
	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	handler    Handler
	wg         sync.WaitGroup
	running    bool
}

// NewSocketServer creates a control socket server at path; an empty path
// selects the per-user default.
func NewSocketServer(path string, handler Handler) *SocketServer {
	if path == "" {
		path = DefaultSocketPath()
	}
	return &SocketServer{socketPath: path, handler: handler}
}

// SocketPath returns where the server listens.
func (s *SocketServer) SocketPath() string { return s.socketPath }

// Start begins accepting control connections.
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("removing stale control socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("creating control socket directory: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("creating control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting control socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true
	s.wg.Add(1)
	go s.acceptConnections()

	logger.Infof("control socket listening at %s", s.socketPath)
	return nil
}

// Stop shuts the control socket down and removes the socket file.
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.listener.Close()
	s.wg.Wait()
	os.RemoveAll(s.socketPath)
	logger.Debug("control socket stopped")
}

func (s *SocketServer) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConnection(conn)
		}()
	}
}

// serveConnection answers requests until the peer hangs up.
func (s *SocketServer) serveConnection(conn net.Conn) {
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				logger.Debugf("control connection ended: %v", err)
			}
			return
		}
		resp := s.handle(req)
		if err := enc.Encode(resp); err != nil {
			logger.Debugf("writing control response: %v", err)
			return
		}
	}
}

func (s *SocketServer) handle(req Request) Response {
	switch req.Command {
	case CommandStatus:
		st, err := s.handler.Status()
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Status: &st}
	case CommandPowerOff:
		if err := s.handler.PowerOff(req.FeatureIndex); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}
