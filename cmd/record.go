package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionlabs/vedcap/internal/folder"
	"github.com/visionlabs/vedcap/internal/session"
)

var (
	recordFolder   string
	recordPolicy   string
	recordDuration time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Run a recording session",
	Long: `Record all configured streams simultaneously. Session metadata is
collected first; the recording stops on Ctrl+C, when the configured duration
elapses, or when any stream fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := session.Start(ctx, session.Options{
			Config:   cfg,
			Registry: newRegistry(),
			Profile:  profile,
			Folder:   recordFolder,
			Policy:   folder.Policy(recordPolicy),
			Duration: recordDuration,
		})
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		fmt.Printf("Recording to %s - press Ctrl+C to stop\n", sess.Folder())
		manifest := sess.Wait()
		printSummary(manifest)

		if manifest.State != string(session.StateDone) {
			return fmt.Errorf("recording failed: %s", manifest.Reason)
		}
		return nil
	},
}

func printSummary(m *session.Manifest) {
	slog.Info("Recording finished", "state", m.State, "elapsed_s", fmt.Sprintf("%.1f", m.Elapsed))
	for _, s := range m.Streams {
		if s.Reason != "" {
			fmt.Printf("  %-12s %-8s %d samples, %d dropped (%s)\n", s.Name, s.State, s.Indexed, s.Dropped, s.Reason)
		} else {
			fmt.Printf("  %-12s %-8s %d samples, %d dropped\n", s.Name, s.State, s.Indexed, s.Dropped)
		}
	}
}

func init() {
	recordCmd.Flags().StringVarP(&recordFolder, "folder", "f", "", "recording folder (overrides config)")
	recordCmd.Flags().StringVar(&recordPolicy, "policy", "", "folder policy: here, overwrite, new_folder (overrides config)")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "recording duration (overrides config)")
}
