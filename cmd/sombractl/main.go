// Command sombractl is a thin admin CLI over the sombra core packages,
// standing in for the "Admin/CLI" collaborator spec.md §1 describes:
// open, checkpoint, verify, vacuum, stats, and bulk import/export.
package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

var dbPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sombractl",
		Short:         "admin CLI for a sombra graph database",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(
		newOpenCmd(),
		newCheckpointCmd(),
		newVerifyCmd(),
		newVacuumCmd(),
		newStatsCmd(),
		newImportCmd(),
		newExportCmd(),
	)
	return cmd
}

func requireDBPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if dbPath != "" {
		return dbPath, nil
	}
	return "", errors.New("a database path is required: pass --db or a positional argument")
}
