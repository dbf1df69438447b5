package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vtrack/vtrackd/internal/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vtrackd %s (protocol version %d)\n", Version, protocol.Version)
	},
}
