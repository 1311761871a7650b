// kafra is a headless client for the login, char and map server protocol.
//
// It logs in, selects a character, enters the map server and keeps the
// session alive, while exposing the session through a console, a status
// API, Prometheus metrics, an MQTT feed and an SQLite packet journal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
  _          __
 | | ____ _ / _|_ __ __ _
 | |/ / _' | |_| '__/ _' |
 |   < (_| |  _| | | (_| |
 |_|\_\__,_|_| |_|  \__,_|  %s
`

type globalFlags struct {
	configDir string
	logLevel  string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "kafra",
		Short: "Headless game protocol client",
		Long: `kafra walks a session through the login, char and map servers
and keeps it alive in game.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configDir, "config-dir", "c", "config", "directory holding config.json")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		runCmd(flags),
		setupCmd(flags),
		checkCmd(flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
