package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached devices per device type",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := newRegistry()

		for _, deviceType := range registry.Types() {
			uids, err := registry.Enumerate(deviceType)
			if err != nil {
				fmt.Printf("%s: enumeration failed: %v\n", deviceType, err)
				continue
			}
			fmt.Printf("%s (%d attached):\n", deviceType, len(uids))
			for _, uid := range uids {
				fmt.Printf("  %s\n", uid)
			}
		}
		return nil
	},
}
