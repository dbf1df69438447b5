package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vtrack/vtrackd/internal/config"
	"github.com/vtrack/vtrackd/internal/logger"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"

	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "vtrackd",
		Short: "vtrackd - VR tracking device distribution daemon",
		Long: `vtrackd distributes VR tracking device state (trackers, buttons,
valuators, battery levels and HMD configurations) to network clients under a
versioned binary protocol. A single event loop serves every client; device
drivers feed state in from their own sampling threads.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			if err := config.Init(); err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = config.Get().Logging.LogLevel
			}
			if level != "" {
				logger.SetLevel(level)
			}
			return nil
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(versionCmd)
}
