package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the `parley version` command.
func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley %s\n", version)
		},
	}
}
