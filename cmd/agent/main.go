package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lead-agent",
	Short: "Conversational lead agent",
	Long: `lead-agent answers inbound chat leads, follows up with quiet ones and
hands captured applications to a human operator.

Examples:
  lead-agent serve
  lead-agent lead status 123456789
  lead-agent lead command 123456789 "offer a call tomorrow"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(leadCmd)
}
