package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sombra/sombra/pager"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [path]",
		Short: "print pager page/cache/commit counters",
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

			s := p.Stats()
			fmt.Printf("total_pages    %d\n", s.TotalPages)
			fmt.Printf("free_pages     %d\n", s.FreePages)
			fmt.Printf("cache_hits     %d\n", s.CacheHits)
			fmt.Printf("cache_misses   %d\n", s.CacheMisses)
			fmt.Printf("cache_size     %d / %d\n", s.CacheSize, s.CacheCap)
			fmt.Printf("active_readers %d\n", s.ActiveReader)
			fmt.Printf("last_commit    %d\n", s.LastCommit)
			return nil
		},
	}
	return cmd
}
