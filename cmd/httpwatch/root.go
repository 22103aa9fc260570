// Package main implements the httpwatch demo/test harness: a small cobra
// CLI that loads a config file and runs the sniffer pipeline to stdout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "httpwatch",
	Short: "Passive TCP/HTTP observability sidecar",
	Long: `httpwatch passively observes TCP traffic on a host interface, reassembles
per-connection byte streams for a configured set of ports, and prints every
complete HTTP/1.x request or response it finds.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "httpwatch.yaml", "config file path")
	rootCmd.AddCommand(runCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}
