// Package cmd contains the riffle CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "riffle",
	Short: "riffle - streaming LLM chat relay",
	Long: `riffle relays chat turns to an Anthropic-style Messages API and streams
the reply back over websocket or SSE, with transparent web-search tool
interception, conversation persistence and per-user memory.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
