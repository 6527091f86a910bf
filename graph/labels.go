package graph

import (
	"github.com/sombra/sombra/btree"
	"github.com/sombra/sombra/pager"
)

// labelPresenceKey and typePresenceKey compose the shared Labels/Types
// trees into per-label/per-type presence indexes: a composite key of
// (id, recordId) with an empty value (spec.md §4.3 "Catalogs: label
// and type presence indexes").
func labelPresenceKey(labelID uint32, nodeID uint64) []byte {
	return btree.Concat(btree.EncodeUint64(uint64(labelID)), btree.EncodeUint64(nodeID))
}

func typePresenceKey(typeID uint32, edgeID uint64) []byte {
	return btree.Concat(btree.EncodeUint64(uint64(typeID)), btree.EncodeUint64(edgeID))
}

func removeLabelPresence(wg *pager.WriteGuard, root pager.PageID, labelID uint32, nodeID uint64) (pager.PageID, error) {
	key := labelPresenceKey(labelID, nodeID)
	newRoot, _, err := btree.Delete(wg, root, key, nil)
	if err != nil {
		return root, err
	}
	return newRoot, nil
}

// EnsureLabelIndexes interns every name in labels and returns their
// ids, allocating fresh ids for names seen for the first time.
func (g *Graph) EnsureLabelIndexes(wg *pager.WriteGuard, labels []string) ([]uint32, error) {
	ids := make([]uint32, len(labels))
	for i, name := range labels {
		id, err := Intern(wg, name)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// NodesWithLabel streams every node id presently indexed under label
// (spec.md §6 "nodes_with_label"). The label presence index is not
// independently snapshotted per reader: it always reflects the latest
// committed state, unlike primary node content.
func (g *Graph) NodesWithLabel(s Snapshot, label string) ([]uint64, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	labelID, ok, err := LookupID(s, roots.Dict, label)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	lo := btree.Concat(btree.EncodeUint64(uint64(labelID)), btree.EncodeUint64(0))
	hi := btree.Concat(btree.EncodeUint64(uint64(labelID)), btree.EncodeUint64(^uint64(0)))
	cur, err := btree.Range(s, roots.Labels, lo, hi)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		nodeID := btree.DecodeUint64(e.Key[8:])
		if _, found, err := lookupEnvelope(s, roots.Nodes, roots.NodeVersions, nodeID, s.LSN()); err != nil {
			return nil, err
		} else if found {
			out = append(out, nodeID)
		}
	}
}

// CountNodesWithLabel is NodesWithLabel without materializing the ids,
// for cardinality estimation (spec.md §6 "count_nodes_with_label").
func (g *Graph) CountNodesWithLabel(s Snapshot, label string) (int, error) {
	ids, err := g.NodesWithLabel(s, label)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
