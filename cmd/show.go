package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionlabs/vedcap/internal/config"
	"github.com/visionlabs/vedcap/internal/device"
)

var showCmd = &cobra.Command{
	Use:   "show [stream...]",
	Short: "Open streams without recording and report their sample rates",
	Long: `Open the named streams (all configured video streams when none are
given) and print the measured sample rate of each until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		streams, err := config.ResolveProfile(cfg.Streams, profile, cfg.Profiles)
		if err != nil {
			return err
		}

		var configs []config.StreamConfig
		if len(args) == 0 {
			for _, sc := range streams.Video {
				configs = append(configs, sc)
			}
		} else {
			for _, name := range args {
				sc, ok := streams.Video[name]
				if !ok {
					sc, ok = streams.Motion[name]
				}
				if !ok {
					return fmt.Errorf("stream '%s' not defined in config", name)
				}
				configs = append(configs, sc)
			}
		}
		if len(configs) == 0 {
			return fmt.Errorf("no streams to show")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := newRegistry()
		var wg sync.WaitGroup
		for _, sc := range configs {
			handle, err := registry.Construct(sc)
			if err != nil {
				stop()
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func(sc config.StreamConfig, handle device.Handle) {
				defer wg.Done()
				defer handle.Close()
				watchRate(ctx, sc.Name, handle)
			}(sc, handle)
		}

		fmt.Println("Showing streams - press Ctrl+C to stop")
		wg.Wait()
		return nil
	},
}

// watchRate consumes samples and prints the measured rate every interval.
func watchRate(ctx context.Context, name string, handle device.Handle) {
	const interval = 2 * time.Second

	count := 0
	last := time.Now()
	for {
		if _, err := handle.Next(ctx); err != nil {
			if ctx.Err() == nil {
				fmt.Printf("  %-12s error: %v\n", name, err)
			}
			return
		}
		count++

		if elapsed := time.Since(last); elapsed >= interval {
			fmt.Printf("  %-12s %6.2f Hz\n", name, float64(count)/elapsed.Seconds())
			count = 0
			last = time.Now()
		}
	}
}
