package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketpulse/internal/wizard"
)

var stepsCmd = &cobra.Command{
	Use:   "steps <provider>",
	Short: "Print the wizard steps for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := wizard.StepsFor(args[0])
		if steps == nil {
			return fmt.Errorf("unknown provider %q", args[0])
		}
		for i, id := range steps {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, id)
		}
		return nil
	},
}
