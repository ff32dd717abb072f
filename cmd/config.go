package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/visionlabs/vedcap/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved stream configuration",
	Long: `Print the effective stream configurations after applying the
selected profile, as they would be used by the record command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		streams, err := config.ResolveProfile(cfg.Streams, profile, cfg.Profiles)
		if err != nil {
			return err
		}

		fmt.Printf("# config file: %s\n", cfgFile)
		if profile != "" {
			fmt.Printf("# profile: %s\n", profile)
		}

		data, err := yaml.Marshal(streams)
		if err != nil {
			return fmt.Errorf("failed to marshal resolved config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}
