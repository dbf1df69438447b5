// Package ipc provides the local control socket for a running daemon:
// status queries and power-off requests over a Unix-domain socket carrying
// newline-delimited JSON.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vtrack/vtrackd/internal/server"
)

// Commands understood by the control socket.
const (
	CommandStatus   = "status"
	CommandPowerOff = "power-off"
)

// Request is one control command.
type Request struct {
	Command      string `json:"command"`
	FeatureIndex int    `json:"feature_index,omitempty"`
}

// Response answers one request. Status is set for status queries.
type Response struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *server.Status `json:"status,omitempty"`
}

// Handler is the daemon side answering control requests.
type Handler interface {
	Status() (server.Status, error)
	PowerOff(featureIndex int) error
}

// DefaultSocketPath picks a per-user socket location.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "vtrackd.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("vtrackd-%d.sock", os.Getuid()))
}
