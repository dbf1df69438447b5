package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Query sends one request to a running daemon's control socket and returns
// its response. An empty path selects the per-user default.
func Query(path string, req Request, timeout time.Duration) (Response, error) {
	if path == "" {
		path = DefaultSocketPath()
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to control socket %s (is the daemon running?): %w", path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("sending control request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("reading control response: %w", err)
	}
	if !resp.OK && resp.Error != "" {
		return resp, fmt.Errorf("daemon refused %q: %s", req.Command, resp.Error)
	}
	return resp, nil
}
