package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sombra/sombra/graph"
	"github.com/sombra/sombra/pager"
)

func newVerifyCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "verify [path]",
		Short: "run a read-only consistency check",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireDBPath(args)
			if err != nil {
				return err
			}
			vLevel, err := parseVerifyLevel(level)
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

			findings, err := g.Verify(vLevel)
			if err != nil {
				return err
			}
			if len(findings) == 0 {
				fmt.Println("verify: no findings")
				return nil
			}
			for _, f := range findings {
				fmt.Printf("[%s] %s\n", f.Severity, f.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "quick", "quick|full")
	return cmd
}

func parseVerifyLevel(s string) (graph.VerifyLevel, error) {
	switch s {
	case "quick":
		return graph.VerifyQuick, nil
	case "full":
		return graph.VerifyFull, nil
	default:
		return 0, fmt.Errorf("unknown verify level %q: want quick or full", s)
	}
}
