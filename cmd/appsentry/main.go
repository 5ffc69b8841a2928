package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "appsentry",
		Short: "appsentry - synthetic checks for an application fleet",
		Long: `appsentry runs health-check probes and scripted login flows against a fleet
of applications. Runs fan out into units that share a bounded pool of browsers,
failed units are retried, and results are kept in a local SQLite database.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override [general] log_level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
