// Package commands implements the Parley CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - conversation relay for language practice",
		Long: `Parley is a backend relay for roleplay conversation practice.
It brokers chat turns between a web client and language models, either a
local Ollama daemon or Google's Gemini API, streaming replies, translations,
and grammar feedback over NDJSON.

Examples:
  parley serve
  parley serve --config ./parley.yaml
  parley serve --listen :9000`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
