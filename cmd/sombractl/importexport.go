package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sombra/sombra/graph"
	"github.com/sombra/sombra/pager"
)

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export [path]",
		Short: "dump every live node and edge to a JSON file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireDBPath(args)
			if err != nil {
				return err
			}
			if out == "" {
				return fmt.Errorf("--out is required")
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

			rg, err := p.BeginRead()
			if err != nil {
				return err
			}
			defer rg.Drop()

			batch, err := g.Export(context.Background(), rg)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			if err := enc.Encode(batch); err != nil {
				return err
			}
			fmt.Printf("exported %d node(s), %d edge(s) to %s\n", len(batch.Nodes), len(batch.Edges), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output JSON file")
	return cmd
}

func newImportCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import [path]",
		Short: "load a JSON export produced by export",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := requireDBPath(args)
			if err != nil {
				return err
			}
			if in == "" {
				return fmt.Errorf("--in is required")
			}

			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()

			var batch graph.ExportBatch
			if err := json.NewDecoder(f).Decode(&batch); err != nil {
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

			wg, err := p.BeginWrite()
			if err != nil {
				return err
			}
			committed := false
			defer func() {
				if !committed {
					wg.Rollback()
				}
			}()

			nodeIDs, edgeIDs, err := g.Import(context.Background(), wg, batch)
			if err != nil {
				return err
			}
			if _, err := wg.Commit(); err != nil {
				return err
			}
			committed = true

			fmt.Printf("imported %d node(s), %d edge(s) from %s\n", len(nodeIDs), len(edgeIDs), in)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input JSON file")
	return cmd
}
