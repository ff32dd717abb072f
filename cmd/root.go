package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
	"github.com/visionlabs/vedcap/internal/device/sim"
)

var (
	cfg          *config.RootConfig
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "vedcap",
	Short: "Synchronized multi-stream recording for visual experiment data",
	Long: `vedcap records multiple heterogeneous sensor streams (head and eye
cameras, odometry) simultaneously onto durable storage, with per-stream
timestamp indexes for offline re-synchronization.

Streams, profiles and command behavior are defined in a layered YAML
configuration; a named profile (e.g. a lighting condition) can be selected
automatically from the session metadata.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// devices works without a config file
		if cmd.Name() == "devices" {
			return nil
		}

		if cfgFile == "" {
			cfgFile = config.DefaultConfigPath()
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vedcap.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "stream profile to apply (overrides automatic selection from metadata)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}

// newRegistry wires the device factories. The simulated backends stand in
// for hardware bindings, which plug into the same Factory interface.
func newRegistry() *device.Registry {
	registry := device.NewRegistry()
	registry.Register(config.DeviceUVC, sim.NewFactory(config.DeviceUVC, "Pupil Cam1 ID2", "Pupil Cam2 ID0", "Pupil Cam2 ID1"))
	registry.Register(config.DeviceFLIR, sim.NewFactory(config.DeviceFLIR, "19238576"))
	registry.Register(config.DeviceOdometry, sim.NewFactory(config.DeviceOdometry, "t265"))
	return registry
}
