package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sombra/sombra/pager"
)

func newCheckpointCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "checkpoint [path]",
		Short: "drain the WAL into the main file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireDBPath(args)
			if err != nil {
				return err
			}
			cpMode, err := parseCheckpointMode(mode)
			if err != nil {
				return err
			}

			p, err := pager.Open(path, pager.Default())
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Checkpoint(cpMode); err != nil {
				return err
			}
			fmt.Printf("checkpoint (%s) complete\n", mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "passive", "passive|force|restart")
	return cmd
}

func parseCheckpointMode(s string) (pager.CheckpointMode, error) {
	switch s {
	case "passive":
		return pager.CheckpointPassive, nil
	case "force":
		return pager.CheckpointForce, nil
	case "restart":
		return pager.CheckpointRestart, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint mode %q: want passive, force, or restart", s)
	}
}
