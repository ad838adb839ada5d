// Command pooltrace loads pooled-testing records, serves the traceability
// API and prints the query report.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "pooltrace",
		Short:         "Sample pooling traceability server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./config.yaml, ./config/, /etc/pooltrace/)")

	cfgPath := func() string { return configFile }
	rootCmd.AddCommand(
		serveCmd(cfgPath),
		loadCmd(cfgPath),
		simulateCmd(cfgPath),
		reportCmd(cfgPath),
		exportCmd(cfgPath),
		migrateCmd(cfgPath),
	)
	return rootCmd
}
