package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sombra/sombra/pager"
)

func newOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open [path]",
		Short: "open (creating if needed) and report basic stats",
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

			stats := p.Stats()
			fmt.Printf("opened %s\n", path)
			fmt.Printf("  pages       : %d total, %d free\n", stats.TotalPages, stats.FreePages)
			fmt.Printf("  last commit : lsn %d\n", stats.LastCommit)
			return nil
		},
	}
	return cmd
}
