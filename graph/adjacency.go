package graph

import (
	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/pager"
)

// fwdAdjKey/revAdjKey compose src||type||dst||edge (or the dst-first
// mirror) so Neighbors can range-scan by source/type prefix without
// touching the edge's own record (spec.md §4.3 "Adjacency").
func fwdAdjKey(src uint64, typeID uint32, dst uint64, edgeID uint64) []byte {
	return btree.Concat(
		btree.EncodeUint64(src),
		btree.EncodeUint64(uint64(typeID)),
		btree.EncodeUint64(dst),
		btree.EncodeUint64(edgeID),
	)
}

func revAdjKey(dst uint64, typeID uint32, src uint64, edgeID uint64) []byte {
	return btree.Concat(
		btree.EncodeUint64(dst),
		btree.EncodeUint64(uint64(typeID)),
		btree.EncodeUint64(src),
		btree.EncodeUint64(edgeID),
	)
}

func adjPrefix(node uint64, typeID uint32, hasType bool) ([]byte, []byte) {
	if hasType {
		lo := btree.Concat(btree.EncodeUint64(node), btree.EncodeUint64(uint64(typeID)), btree.EncodeUint64(0), btree.EncodeUint64(0))
		hi := btree.Concat(btree.EncodeUint64(node), btree.EncodeUint64(uint64(typeID)), btree.EncodeUint64(^uint64(0)), btree.EncodeUint64(^uint64(0)))
		return lo, hi
	}
	lo := btree.Concat(btree.EncodeUint64(node), btree.EncodeUint64(0), btree.EncodeUint64(0), btree.EncodeUint64(0))
	hi := btree.Concat(btree.EncodeUint64(node), btree.EncodeUint64(^uint64(0)), btree.EncodeUint64(^uint64(0)), btree.EncodeUint64(^uint64(0)))
	return lo, hi
}

// NeighborEdge is one adjacency hit (spec.md §6 "neighbors").
type NeighborEdge struct {
	Neighbor uint64
	EdgeID   uint64
}

// NeighborOptions controls Neighbors' traversal (spec.md §6
// "neighbors(node, direction, type?, distinct_nodes?)").
type NeighborOptions struct {
	Type          string
	DistinctNodes bool
}

// Neighbors walks the adjacency index in dir from node, optionally
// restricted to a single edge type, optionally deduplicated by
// neighbor node id.
func (g *Graph) Neighbors(s Snapshot, node uint64, dir Direction, opts NeighborOptions) ([]NeighborEdge, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}

	var hasType bool
	var typeID uint32
	if opts.Type != "" {
		id, ok, err := LookupID(s, roots.Dict, opts.Type)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		hasType, typeID = true, id
	}

	var out []NeighborEdge
	seen := make(map[uint64]bool)

	scan := func(root pager.PageID) error {
		lo, hi := adjPrefix(node, typeID, hasType)
		cur, err := btree.Range(s, root, lo, hi)
		if err != nil {
			return err
		}
		for {
			e, ok, err := cur.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			neighbor := btree.DecodeUint64(e.Key[16:24])
			edgeID := btree.DecodeUint64(e.Key[24:32])
			if _, found, err := lookupEnvelope(s, roots.Edges, roots.EdgeVersions, edgeID, s.LSN()); err != nil {
				return err
			} else if !found {
				continue
			}
			if opts.DistinctNodes {
				if seen[neighbor] {
					continue
				}
				seen[neighbor] = true
			}
			out = append(out, NeighborEdge{Neighbor: neighbor, EdgeID: edgeID})
		}
	}

	if dir == Out || dir == Both {
		if err := scan(roots.FwdAdj); err != nil {
			return nil, err
		}
	}
	if dir == In || dir == Both {
		if err := scan(roots.RevAdj); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DebugCollectAdjFwd returns every raw forward-adjacency entry under
// node, bypassing the edge-liveness check Neighbors applies (spec.md
// §6 "debug_collect_adj_fwd"). Intended for verify and test tooling
// that needs to see the index as written, including entries whose
// edge has since been tombstoned but not yet vacuumed.
func (g *Graph) DebugCollectAdjFwd(s Snapshot, node uint64) ([]NeighborEdge, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	return collectAdjRaw(s, roots.FwdAdj, node)
}

// DebugCollectAdjRev is DebugCollectAdjFwd over the reverse-adjacency
// mirror (spec.md §6 "debug_collect_adj_rev").
func (g *Graph) DebugCollectAdjRev(s Snapshot, node uint64) ([]NeighborEdge, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	return collectAdjRaw(s, roots.RevAdj, node)
}

func collectAdjRaw(s Snapshot, root pager.PageID, node uint64) ([]NeighborEdge, error) {
	lo, hi := adjPrefix(node, 0, false)
	cur, err := btree.Range(s, root, lo, hi)
	if err != nil {
		return nil, err
	}
	var out []NeighborEdge
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, NeighborEdge{
			Neighbor: btree.DecodeUint64(e.Key[16:24]),
			EdgeID:   btree.DecodeUint64(e.Key[24:32]),
		})
	}
}

// Degree counts node's adjacency entries in dir, optionally restricted
// to type (spec.md §6 "degree"). It walks the adjacency index through
// Neighbors on every call, counting only edges visible at s; no cached
// degree counter is kept.
func (g *Graph) Degree(s Snapshot, node uint64, dir Direction, edgeType string) (int, error) {
	edges, err := g.Neighbors(s, node, dir, NeighborOptions{Type: edgeType})
	if err != nil {
		return 0, err
	}
	return len(edges), nil
}
