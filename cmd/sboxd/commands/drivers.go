package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuln/sboxd/drivers"
)

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List the storage backends built into this binary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, name := range drivers.List() {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
				return err
			}
		}
		return nil
	},
}
