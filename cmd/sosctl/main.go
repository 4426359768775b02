// Command sosctl runs the reporting-device side of an SOS session: it starts,
// resumes and stops the heartbeat loop and inspects what is nearby.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	userID    string
	statePath string
)

var rootCmd = &cobra.Command{
	Use:   "sosctl",
	Short: "Report SOS liveness from this device",
	Long: `sosctl creates an SOS session for this device and keeps it alive with
periodic heartbeats. If the heartbeats stop, the watchdog escalates the
session so responders know the signal was lost.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "Reporting identity (default USER_ID)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Local session record (default STATE_DB_PATH)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(nearbyCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(registerTokenCmd)
}
