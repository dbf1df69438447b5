package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtrack/vtrackd/internal/client"
	"github.com/vtrack/vtrackd/internal/device"
	"github.com/vtrack/vtrackd/internal/protocol"
)

var (
	dumpAddr     string
	dumpVersion  uint32
	dumpDuration time.Duration
	dumpStream   bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Connect to a daemon and print device state",
	Long: `Connect to a daemon, negotiate the protocol, and print either one
state snapshot or a live stream of updates. Useful for checking what a
client at a given protocol version would see.`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpAddr, "address", "a", "127.0.0.1:8555", "Server address")
	dumpCmd.Flags().Uint32Var(&dumpVersion, "protocol", protocol.Version, "Protocol version to request")
	dumpCmd.Flags().DurationVarP(&dumpDuration, "duration", "d", 3*time.Second, "How long to stream")
	dumpCmd.Flags().BoolVarP(&dumpStream, "stream", "s", false, "Stream updates instead of polling once")
}

func runDump(cmd *cobra.Command, args []string) error {
	c, err := client.Connect(dumpAddr, dumpVersion, 5*time.Second)
	if err != nil {
		return err
	}
	defer c.Close()

	info := c.Info()
	fmt.Printf("Negotiated protocol version %d\n", info.Version)
	fmt.Printf("Layout: %d trackers, %d buttons, %d valuators\n",
		info.Layout.NumTrackers, info.Layout.NumButtons, info.Layout.NumValuators)
	for _, vd := range info.VirtualDevices {
		fmt.Printf("  device %q: tracker %d, %d buttons, %d valuators\n",
			vd.Name, vd.TrackerIndex, len(vd.ButtonIndices), len(vd.ValuatorIndices))
	}
	for i, hmd := range info.HMDConfigurations {
		fmt.Printf("  HMD %d: tracker %d, IPD %.1f mm, render target %dx%d\n",
			i, hmd.TrackerIndex, hmd.IPD*1000, hmd.RenderTargetSize[0], hmd.RenderTargetSize[1])
	}
	for i, bs := range info.BatteryStates {
		fmt.Printf("  battery %d: %d%% (charging: %v)\n", i, bs.Percent, bs.Charging)
	}

	if err := c.Activate(); err != nil {
		return err
	}

	if !dumpStream {
		state, err := c.RequestPacket()
		if err != nil {
			return err
		}
		printState(state)
		return c.Disconnect()
	}

	updates := 0
	err = c.StartStream(client.StreamHandler{
		OnPacket: func(state *device.State) {
			printState(state)
		},
		OnTracker: func(index int, ts device.TrackerState, stamp uint32, valid bool) {
			updates++
			fmt.Printf("tracker %d: pos (%+.3f %+.3f %+.3f) valid=%v t=%dus\n",
				index, ts.Position[0], ts.Position[1], ts.Position[2], valid, stamp)
		},
		OnButton: func(index int, pressed bool) {
			fmt.Printf("button %d: %v\n", index, pressed)
		},
		OnValuator: func(index int, value float32) {
			fmt.Printf("valuator %d: %+.3f\n", index, value)
		},
		OnBattery: func(index int, bs device.BatteryState) {
			fmt.Printf("battery %d: %d%% (charging: %v)\n", index, bs.Percent, bs.Charging)
		},
	})
	if err != nil {
		return err
	}
	time.Sleep(dumpDuration)
	if err := c.StopStream(2 * time.Second); err != nil {
		return err
	}
	fmt.Printf("received %d tracker updates in %v\n", updates, dumpDuration)
	return nil
}

func printState(s *device.State) {
	for i, t := range s.Trackers {
		fmt.Printf("tracker %d: pos (%+.3f %+.3f %+.3f) valid=%v\n",
			i, t.Position[0], t.Position[1], t.Position[2], s.Valid[i])
	}
	fmt.Printf("buttons: %v\n", s.Buttons)
	fmt.Printf("valuators: %v\n", s.Valuators)
}
