package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sombra/sombra/graph"
	"github.com/sombra/sombra/pager"
)

func newVacuumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vacuum [path]",
		Short: "run one bounded vacuum pass",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireDBPath(args)
			if err != nil {
				return err
			}

			p, err := pager.Open(path, pager.Default())
			if err != nil {
				return err
			}
			defer p.Close()

			g, err := graph.Open(p, graph.DefaultOptions())
			if err != nil {
				return err
			}

			stats, err := g.Vacuum(graph.DefaultVacuumBudget())
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d version(s), touched %d page(s)\n", stats.VersionsReclaimed, stats.PagesTouched)
			return nil
		},
	}
	return cmd
}
