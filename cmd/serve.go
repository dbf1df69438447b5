package cmd

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vtrack/vtrackd/internal/config"
	"github.com/vtrack/vtrackd/internal/device"
	"github.com/vtrack/vtrackd/internal/dispatch"
	"github.com/vtrack/vtrackd/internal/ipc"
	"github.com/vtrack/vtrackd/internal/logger"
	"github.com/vtrack/vtrackd/internal/metrics"
	"github.com/vtrack/vtrackd/internal/server"
)

var (
	servePort    int
	serveBind    string
	metricsAddr  string
	serveNoHMD   bool
	serveTracker int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device distribution daemon",
	Long: `Run the device distribution daemon. Without a hardware driver the
daemon serves a simulated device layout, which is enough to exercise
clients, the wire protocol and the streaming fan-out.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVarP(&serveBind, "bind", "b", "", "Bind address")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	serveCmd.Flags().BoolVar(&serveNoHMD, "no-hmd", false, "Simulate without an HMD configuration")
	serveCmd.Flags().IntVar(&serveTracker, "trackers", 0, "Number of simulated trackers")

	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.bind_address", serveCmd.Flags().Lookup("bind"))
}

// ipcBridge adapts the running server to the control socket.
type ipcBridge struct {
	srv *server.Server
}

func (b ipcBridge) Status() (server.Status, error) {
	return b.srv.QueryStatus(2 * time.Second)
}

func (b ipcBridge) PowerOff(featureIndex int) error {
	return b.srv.PowerOff(featureIndex)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	if servePort == 0 {
		servePort = cfg.Server.Port
	}
	if serveBind == "" {
		serveBind = cfg.Server.BindAddress
	}

	dispatcher, err := dispatch.New()
	if err != nil {
		return fmt.Errorf("creating event dispatcher: %w", err)
	}
	defer dispatcher.Close()

	var met *metrics.Metrics
	var registry *prometheus.Registry
	if metricsAddr != "" || cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		met = metrics.New(registry)
		addr := metricsAddr
		if addr == "" {
			addr = cfg.Metrics.Address
		}
		go func() {
			logger.Infof("metrics endpoint on http://%s/metrics", addr)
			if err := metrics.Serve(addr, registry); err != nil {
				logger.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}

	simCfg := device.SimulatorConfig{
		NumTrackers:  cfg.Devices.NumTrackers,
		NumButtons:   cfg.Devices.NumButtons,
		NumValuators: cfg.Devices.NumValuators,
		UpdateRate:   cfg.Devices.UpdateRate,
		WithHMD:      cfg.Devices.WithHMD && !serveNoHMD,
	}
	if serveTracker > 0 {
		simCfg.NumTrackers = serveTracker
	}

	// The simulator needs the server as its sink and the server needs the
	// manager's layout; a tiny indirection breaks the cycle.
	var srv *server.Server
	sim := device.NewSimulator(simCfg, sinkFunc(func() device.Sink { return srv }))

	srv, err = server.New(server.Config{
		BindAddress: serveBind,
		Port:        servePort,
		Backlog:     cfg.Server.Backlog,
	}, sim, dispatcher, met)
	if err != nil {
		return err
	}

	control := ipc.NewSocketServer(cfg.IPC.SocketPath, ipcBridge{srv})
	if err := control.Start(); err != nil {
		logger.Warnf("control socket unavailable: %v", err)
	} else {
		defer control.Stop()
	}

	if err := dispatcher.StopOnSignals(); err != nil {
		return err
	}

	err = srv.Run()
	sim.Stop()
	return err
}

// sinkFunc defers sink resolution until the first update, after the server
// exists.
type sinkFunc func() device.Sink

func (f sinkFunc) UpdateTracker(i int, ts device.TrackerState, stamp uint32, valid bool) {
	f().UpdateTracker(i, ts, stamp, valid)
}
func (f sinkFunc) UpdateButton(i int, pressed bool) { f().UpdateButton(i, pressed) }
func (f sinkFunc) UpdateValuator(i int, v float32)  { f().UpdateValuator(i, v) }
func (f sinkFunc) UpdateCompleted()                 { f().UpdateCompleted() }
func (f sinkFunc) UpdateBatteryState(i int, bs device.BatteryState) {
	f().UpdateBatteryState(i, bs)
}
func (f sinkFunc) UpdateHMDConfiguration(i int, c device.HMDConfiguration) {
	f().UpdateHMDConfiguration(i, c)
}
