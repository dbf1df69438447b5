package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtrack/vtrackd/internal/config"
	"github.com/vtrack/vtrackd/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ipc.Query(config.Get().IPC.SocketPath, ipc.Request{Command: ipc.CommandStatus}, 3*time.Second)
		if err != nil {
			return err
		}
		st := resp.Status
		if st == nil {
			return fmt.Errorf("daemon returned no status")
		}
		fmt.Printf("Listening on:      %s (protocol version %d)\n", st.Address, st.ProtocolVersion)
		fmt.Printf("Device layout:     %d trackers, %d buttons, %d valuators\n",
			st.Layout.NumTrackers, st.Layout.NumButtons, st.Layout.NumValuators)
		fmt.Printf("State version:     %d\n", st.StateVersion)
		fmt.Printf("Clients:           %d connected, %d active, %d streaming\n",
			st.NumClients, st.NumActive, st.NumStreaming)
		for _, c := range st.Clients {
			fmt.Printf("  %-21s %-10s protocol %d\n", c.Address, c.State, c.ProtocolVersion)
		}
		return nil
	},
}
