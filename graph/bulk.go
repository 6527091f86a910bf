package graph

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/errs"
	"github.com/sombra/sombra/pager"
)

// NodeExport and EdgeExport are the portable, name-keyed form Export
// produces and Import consumes (spec.md §6 "Admin/CLI": bulk
// import/export). Ids are graph-local to the database they came from;
// OriginalID only exists so Import can remap an edge's endpoints to
// whatever ids the target database assigns.
type NodeExport struct {
	OriginalID uint64
	Labels     []string
	Props      map[string]Value
}

type EdgeExport struct {
	OriginalID uint64
	Src, Dst   uint64
	Type       string
	Props      map[string]Value
}

// ExportBatch is one full graph snapshot in portable form.
type ExportBatch struct {
	Nodes []NodeExport
	Edges []EdgeExport
}

// Export walks s and returns every live node and edge in portable
// form. The node and edge scans are independent read-only walks of
// disjoint trees, so they fan out across two goroutines joined by
// errgroup.Group; either scan's error (or ctx cancellation) aborts
// the other.
func (g *Graph) Export(ctx context.Context, s Snapshot) (ExportBatch, error) {
	grp, ctx := errgroup.WithContext(ctx)
	var batch ExportBatch

	grp.Go(func() error {
		nodes, err := g.exportNodes(ctx, s)
		if err != nil {
			return err
		}
		batch.Nodes = nodes
		return nil
	})
	grp.Go(func() error {
		edges, err := g.exportEdges(ctx, s)
		if err != nil {
			return err
		}
		batch.Edges = edges
		return nil
	})

	if err := grp.Wait(); err != nil {
		return ExportBatch{}, err
	}
	return batch, nil
}

func (g *Graph) exportNodes(ctx context.Context, s Snapshot) ([]NodeExport, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	cur, err := g.ScanAllNodes(s)
	if err != nil {
		return nil, err
	}
	var out []NodeExport
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, rec, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		labels := make([]string, 0, len(rec.Labels))
		for _, labelID := range rec.Labels {
			name, ok, err := LookupName(s, roots.DictRev, labelID)
			if err != nil {
				return nil, err
			}
			if ok {
				labels = append(labels, name)
			}
		}
		props, err := namedProps(s, roots.DictRev, rec.Props)
		if err != nil {
			return nil, err
		}
		out = append(out, NodeExport{OriginalID: id, Labels: labels, Props: props})
	}
}

func (g *Graph) exportEdges(ctx context.Context, s Snapshot) ([]EdgeExport, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	cur, err := g.ScanAllEdges(s)
	if err != nil {
		return nil, err
	}
	var out []EdgeExport
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, rec, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		typeName, ok, err := LookupName(s, roots.DictRev, rec.TypeID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		props, err := namedProps(s, roots.DictRev, rec.Props)
		if err != nil {
			return nil, err
		}
		out = append(out, EdgeExport{OriginalID: id, Src: rec.Src, Dst: rec.Dst, Type: typeName, Props: props})
	}
}

func namedProps(r btree.PageReader, dictRevRoot pager.PageID, pm propMap) (map[string]Value, error) {
	out := make(map[string]Value, len(pm))
	for id, v := range pm {
		name, ok, err := LookupName(r, dictRevRoot, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[name] = v
	}
	return out, nil
}

// Import applies batch within wg, allocating fresh node/edge ids and
// remapping each edge's Src/Dst from batch's original ids to the ones
// this database assigns. Node and edge validation fan out across two
// goroutines (spec.md §6 "Admin/CLI": bulk import); the write itself
// is necessarily sequential, since ids are assigned in allocation
// order by the single writer transaction.
func (g *Graph) Import(ctx context.Context, wg *pager.WriteGuard, batch ExportBatch) (map[uint64]uint64, map[uint64]uint64, error) {
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return validateNodeExports(ctx, batch.Nodes) })
	grp.Go(func() error { return validateEdgeExports(ctx, batch.Edges) })
	if err := grp.Wait(); err != nil {
		return nil, nil, err
	}

	nodeIDs := make(map[uint64]uint64, len(batch.Nodes))
	for _, n := range batch.Nodes {
		newID, err := g.CreateNode(wg, n.Labels, n.Props)
		if err != nil {
			return nil, nil, err
		}
		nodeIDs[n.OriginalID] = newID
	}

	edgeIDs := make(map[uint64]uint64, len(batch.Edges))
	for _, e := range batch.Edges {
		src, ok := nodeIDs[e.Src]
		if !ok {
			return nil, nil, errs.New("graph.Import", errs.InvalidArgument, nil)
		}
		dst, ok := nodeIDs[e.Dst]
		if !ok {
			return nil, nil, errs.New("graph.Import", errs.InvalidArgument, nil)
		}
		newID, err := g.CreateEdge(wg, src, dst, e.Type, e.Props)
		if err != nil {
			return nil, nil, err
		}
		edgeIDs[e.OriginalID] = newID
	}

	return nodeIDs, edgeIDs, nil
}

func validateNodeExports(ctx context.Context, nodes []NodeExport) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(n.Labels) > 255 {
			return errs.New("graph.Import", errs.InvalidArgument, nil)
		}
	}
	return nil
}

func validateEdgeExports(ctx context.Context, edges []EdgeExport) error {
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Type == "" {
			return errs.New("graph.Import", errs.InvalidArgument, nil)
		}
	}
	return nil
}
